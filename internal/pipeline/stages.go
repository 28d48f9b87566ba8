package pipeline

import (
	"context"
	"fmt"

	"github.com/erni-foto/pipeline/pkg/resilience"
)

// Stage names, in execution order
const (
	StageSchemaResolution = "schema_resolution"
	StageAssetFetch       = "asset_fetch"
	StageContentAnalysis  = "content_analysis"
	StageUpload           = "upload"
	StageReport           = "report"
)

// StageNames is the fixed stage sequence of every run
var StageNames = []string{
	StageSchemaResolution,
	StageAssetFetch,
	StageContentAnalysis,
	StageUpload,
	StageReport,
}

// Handler executes one stage against the run's exchange. A handler must be
// safe to call again after a transient failure: the retry layer re-invokes
// it with the same exchange.
type Handler func(ctx context.Context, exchange *Exchange) error

// Stage binds a handler to its retry policy
type Stage struct {
	Name    string
	Handler Handler
	Policy  resilience.Policy
}

// ValidateStages checks that the given stages form the canonical sequence
func ValidateStages(stages []Stage) error {
	if len(stages) != len(StageNames) {
		return fmt.Errorf("expected %d stages, got %d", len(StageNames), len(stages))
	}

	for i, stage := range stages {
		if stage.Name != StageNames[i] {
			return fmt.Errorf("stage %d must be %s, got %s", i, StageNames[i], stage.Name)
		}
		if stage.Handler == nil {
			return fmt.Errorf("stage %s has no handler", stage.Name)
		}
		if err := stage.Policy.Validate(); err != nil {
			return fmt.Errorf("stage %s policy: %w", stage.Name, err)
		}
	}

	return nil
}
