package stages

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/errors"
)

// VisionClient calls the external vision analysis service
type VisionClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewVisionClient creates a vision service client
func NewVisionClient(cfg *config.VisionConfig) (*VisionClient, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, errors.NewValidationError("vision base URL is required")
	}

	return &VisionClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// NewVisionClientWithHTTP wraps an existing HTTP client, used by tests
func NewVisionClientWithHTTP(baseURL string, httpClient *http.Client) *VisionClient {
	return &VisionClient{
		baseURL:    baseURL,
		model:      "test",
		httpClient: httpClient,
	}
}

type analyzeRequest struct {
	Model  string   `json:"model"`
	Image  string   `json:"image"`
	Fields []string `json:"fields,omitempty"`
}

// Analyze submits a photo for content analysis. The requested field names
// steer the model toward the library schema.
func (c *VisionClient) Analyze(ctx context.Context, asset []byte, fields []string) (*pipeline.Detection, error) {
	payload, err := json.Marshal(analyzeRequest{
		Model:  c.model,
		Image:  base64.StdEncoding.EncodeToString(asset),
		Fields: fields,
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode analysis request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewInternalError("failed to build analysis request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewExternalError("vision", "analysis request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewExternalError("vision", "analysis response interrupted").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.FromHTTPStatus("vision", resp.StatusCode, "analysis rejected")
	}

	var detection pipeline.Detection
	if err := json.Unmarshal(body, &detection); err != nil {
		return nil, errors.NewInternalError("failed to decode analysis result").WithCause(err)
	}

	return &detection, nil
}
