package stages

import (
	"github.com/erni-foto/pipeline/internal/library"
	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/resilience"
	"github.com/erni-foto/pipeline/pkg/security"
)

// Build assembles the canonical stage sequence around the given
// collaborators, all stages sharing the configured retry policy.
func Build(cfg *config.Config, lib *library.Client, vision *VisionClient, detector *security.PIIDetector) []pipeline.Stage {
	policy := resilience.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		MinWait:     cfg.Retry.MinWait,
		MaxWait:     cfg.Retry.MaxWait,
		Base:        cfg.Retry.Base,
	}

	return []pipeline.Stage{
		{Name: pipeline.StageSchemaResolution, Handler: NewSchemaHandler(lib), Policy: policy},
		{Name: pipeline.StageAssetFetch, Handler: NewFetchHandler(lib), Policy: policy},
		{Name: pipeline.StageContentAnalysis, Handler: NewAnalyzeHandler(vision, detector, cfg.Vision.MinConfidence), Policy: policy},
		{Name: pipeline.StageUpload, Handler: NewUploadHandler(lib, detector), Policy: policy},
		{Name: pipeline.StageReport, Handler: NewReportHandler(), Policy: policy},
	}
}
