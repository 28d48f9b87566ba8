package stages

import (
	"context"

	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/security"
)

// Analyzer produces a content detection for a photo
type Analyzer interface {
	Analyze(ctx context.Context, asset []byte, fields []string) (*pipeline.Detection, error)
}

// NewAnalyzeHandler returns the content analysis stage: it sends the fetched
// asset to the vision service, drops low-confidence values and flags
// personal data found in the detection.
func NewAnalyzeHandler(analyzer Analyzer, detector *security.PIIDetector, minConfidence float64) pipeline.Handler {
	return func(ctx context.Context, exchange *pipeline.Exchange) error {
		if exchange.Asset == nil {
			return errors.NewStageError(pipeline.StageContentAnalysis, "no asset to analyze")
		}
		if exchange.Schema == nil {
			return errors.NewStageError(pipeline.StageContentAnalysis, "no schema resolved")
		}

		fields := make([]string, 0, len(exchange.Schema.Fields))
		for _, f := range exchange.Schema.Fields {
			fields = append(fields, f.Name)
		}

		detection, err := analyzer.Analyze(ctx, exchange.Asset, fields)
		if err != nil {
			return err
		}

		kept := make(map[string]pipeline.DetectedField, len(detection.Fields))
		for name, field := range detection.Fields {
			if field.Confidence >= minConfidence {
				kept[name] = field
			}
		}
		detection.Fields = kept

		if detector != nil && !detection.PIIFound {
			if detector.ContainsPII(detection.Caption) {
				detection.PIIFound = true
			}
			for _, field := range detection.Fields {
				if detector.ContainsPII(field.Value) {
					detection.PIIFound = true
					break
				}
			}
		}

		exchange.Detection = detection
		return nil
	}
}
