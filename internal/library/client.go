package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/erni-foto/pipeline/pkg/config"
	"github.com/erni-foto/pipeline/pkg/errors"
	"github.com/erni-foto/pipeline/pkg/logging"
)

// Field describes one metadata column of a document library
type Field struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Required   bool     `json:"required"`
	MultiValue bool     `json:"multi_value"`
	Choices    []string `json:"choices,omitempty"`
}

// Schema is the metadata contract of one document library
type Schema struct {
	LibraryID string  `json:"library_id"`
	Version   string  `json:"version"`
	Fields    []Field `json:"fields"`
}

// Item is one uploaded library entry with its applied metadata
type Item struct {
	ID       string            `json:"id"`
	FileName string            `json:"file_name"`
	Metadata map[string]string `json:"metadata"`
}

// Client talks to the document library API. Responses outside 2xx are mapped
// onto the error taxonomy so the retry layer can classify them.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a library client authenticated via OAuth2 client
// credentials.
func NewClient(cfg *config.LibraryConfig) (*Client, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, errors.NewValidationError("library base URL is required")
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.Scope},
	}

	httpClient := creds.Client(context.Background())
	httpClient.Timeout = cfg.Timeout

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		logger:     logging.GetLogger(),
	}, nil
}

// NewClientWithHTTP wraps an existing HTTP client, used by tests
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logging.GetLogger(),
	}
}

// GetSchema fetches the metadata schema of a library
func (c *Client) GetSchema(ctx context.Context, libraryID string) (*Schema, error) {
	url := fmt.Sprintf("%s/libraries/%s/schema", c.baseURL, libraryID)

	body, err := c.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var schema Schema
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, errors.NewInternalError("failed to decode library schema").WithCause(err)
	}

	return &schema, nil
}

// DownloadAsset fetches the raw bytes of one photo asset
func (c *Client) DownloadAsset(ctx context.Context, assetID string) ([]byte, error) {
	url := fmt.Sprintf("%s/assets/%s/content", c.baseURL, assetID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to build asset request").WithCause(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewExternalError("library", "asset download failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.FromHTTPStatus("library", resp.StatusCode, "asset download rejected")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewExternalError("library", "asset download interrupted").WithCause(err)
	}

	return data, nil
}

// UploadItem creates a library entry with the given metadata and returns it
func (c *Client) UploadItem(ctx context.Context, libraryID string, item *Item) (*Item, error) {
	url := fmt.Sprintf("%s/libraries/%s/items", c.baseURL, libraryID)

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode library item").WithCause(err)
	}

	body, err := c.doJSON(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}

	var created Item
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, errors.NewInternalError("failed to decode library item").WithCause(err)
	}

	return &created, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, errors.NewInternalError("failed to build library request").WithCause(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewExternalError("library", "library request failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewExternalError("library", "library response interrupted").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.FromHTTPStatus("library", resp.StatusCode, truncate(string(body), 200))
	}

	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
