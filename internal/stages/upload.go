package stages

import (
	"context"
	"strings"

	"github.com/erni-foto/pipeline/internal/library"
	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/security"
)

// ItemUploader creates document library entries
type ItemUploader interface {
	UploadItem(ctx context.Context, libraryID string, item *library.Item) (*library.Item, error)
}

// NewUploadHandler returns the upload stage: it maps the detection onto the
// library schema, masks personal data and uploads the item.
func NewUploadHandler(uploader ItemUploader, detector *security.PIIDetector) pipeline.Handler {
	return func(ctx context.Context, exchange *pipeline.Exchange) error {
		if exchange.Schema == nil || exchange.Detection == nil {
			return errors.NewStageError(pipeline.StageUpload, "upload needs a resolved schema and a detection")
		}

		metadata, err := buildMetadata(exchange.Schema, exchange.Detection)
		if err != nil {
			return err
		}

		if detector != nil {
			for name, value := range metadata {
				if detector.ContainsPII(value) {
					metadata[name] = detector.Mask(value)
				}
			}
		}

		item := &library.Item{
			FileName: exchange.Item.FileName,
			Metadata: metadata,
		}

		created, err := uploader.UploadItem(ctx, exchange.Item.LibraryID, item)
		if err != nil {
			return err
		}

		exchange.Metadata = metadata
		exchange.UploadedItemID = created.ID
		return nil
	}
}

// buildMetadata maps detected values onto schema fields. Choice fields match
// their configured values case-insensitively; multi-value fields accept
// semicolon or comma separated lists; detected fields without a schema
// column are dropped.
func buildMetadata(schema *library.Schema, detection *pipeline.Detection) (map[string]string, error) {
	metadata := make(map[string]string)

	for _, field := range schema.Fields {
		detected, ok := detection.Fields[field.Name]
		if !ok || detected.Value == "" {
			if field.Required {
				return nil, errors.NewValidationError("required field has no detected value").
					WithDetail("field", field.Name)
			}
			continue
		}

		value := strings.TrimSpace(detected.Value)

		if field.MultiValue {
			parts := splitMultiValue(value)
			if len(field.Choices) > 0 {
				matched := make([]string, 0, len(parts))
				for _, part := range parts {
					if choice, ok := matchChoice(field.Choices, part); ok {
						matched = append(matched, choice)
					}
				}
				parts = matched
			}
			if len(parts) == 0 {
				if field.Required {
					return nil, errors.NewValidationError("no detected value matches the field choices").
						WithDetail("field", field.Name)
				}
				continue
			}
			metadata[field.Name] = strings.Join(parts, ";")
			continue
		}

		if len(field.Choices) > 0 {
			choice, ok := matchChoice(field.Choices, value)
			if !ok {
				if field.Required {
					return nil, errors.NewValidationError("no detected value matches the field choices").
						WithDetail("field", field.Name).
						WithDetail("value", value)
				}
				continue
			}
			value = choice
		}

		metadata[field.Name] = value
	}

	return metadata, nil
}

func splitMultiValue(value string) []string {
	sep := ";"
	if !strings.Contains(value, ";") {
		sep = ","
	}

	parts := strings.Split(value, sep)
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

// matchChoice finds the canonical choice value for a detected string
func matchChoice(choices []string, value string) (string, bool) {
	for _, choice := range choices {
		if strings.EqualFold(choice, value) {
			return choice, true
		}
	}
	return "", false
}
