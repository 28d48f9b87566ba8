package stages

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/errors"
)

// NewReportHandler returns the report stage: it aggregates the recorded
// stage outcomes into a validation report and renders a PDF summary.
func NewReportHandler() pipeline.Handler {
	return func(ctx context.Context, exchange *pipeline.Exchange) error {
		report := &pipeline.Report{
			RunID:       exchange.RunID,
			SessionID:   exchange.SessionID,
			FileName:    exchange.Item.FileName,
			Entries:     exchange.Outcomes(),
			GeneratedAt: time.Now().UTC(),
		}

		pdf, err := renderPDF(report, exchange)
		if err != nil {
			return err
		}

		report.PDF = pdf
		exchange.Report = report
		return nil
	}
}

func renderPDF(report *pipeline.Report, exchange *pipeline.Exchange) ([]byte, error) {
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 16)
	doc.Cell(0, 10, "Photo Processing Report")
	doc.Ln(12)

	doc.SetFont("Helvetica", "", 10)
	doc.Cell(0, 6, fmt.Sprintf("Run: %s", report.RunID))
	doc.Ln(6)
	doc.Cell(0, 6, fmt.Sprintf("File: %s", report.FileName))
	doc.Ln(6)
	if exchange.AssetHash != "" {
		doc.Cell(0, 6, fmt.Sprintf("Checksum: %s", exchange.AssetHash))
		doc.Ln(6)
	}
	if exchange.UploadedItemID != "" {
		doc.Cell(0, 6, fmt.Sprintf("Library item: %s", exchange.UploadedItemID))
		doc.Ln(6)
	}
	doc.Ln(4)

	doc.SetFont("Helvetica", "B", 11)
	doc.Cell(0, 8, "Stage outcomes")
	doc.Ln(9)

	doc.SetFont("Helvetica", "", 10)
	for _, entry := range report.Entries {
		line := fmt.Sprintf("%-20s %-8s %s", entry.Stage, entry.Status, entry.Duration.Round(time.Millisecond))
		doc.Cell(0, 6, line)
		doc.Ln(6)
	}

	if len(exchange.Metadata) > 0 {
		doc.Ln(4)
		doc.SetFont("Helvetica", "B", 11)
		doc.Cell(0, 8, "Applied metadata")
		doc.Ln(9)

		doc.SetFont("Helvetica", "", 10)
		for name, value := range exchange.Metadata {
			doc.Cell(0, 6, fmt.Sprintf("%s: %s", name, value))
			doc.Ln(6)
		}
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, errors.NewInternalError("failed to render report PDF").WithCause(err)
	}

	return buf.Bytes(), nil
}
