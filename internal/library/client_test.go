package library

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erni-foto/pipeline/pkg/errors"
)

func TestGetSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/libraries/lib-1/schema", r.URL.Path)
		json.NewEncoder(w).Encode(Schema{
			LibraryID: "lib-1",
			Version:   "3",
			Fields: []Field{
				{Name: "Title", Type: "text", Required: true},
				{Name: "Category", Type: "choice", Choices: []string{"Portrait", "Landscape"}},
			},
		})
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.URL, server.Client())

	schema, err := client.GetSchema(context.Background(), "lib-1")
	require.NoError(t, err)
	assert.Equal(t, "lib-1", schema.LibraryID)
	require.Len(t, schema.Fields, 2)
	assert.Equal(t, []string{"Portrait", "Landscape"}, schema.Fields[1].Choices)
}

func TestDownloadAsset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/a-1/content", r.URL.Path)
		w.Write([]byte{0xFF, 0xD8, 0xFF})
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.URL, server.Client())

	data, err := client.DownloadAsset(context.Background(), "a-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
}

func TestUploadItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/libraries/lib-1/items", r.URL.Path)

		var item Item
		require.NoError(t, json.NewDecoder(r.Body).Decode(&item))
		item.ID = "item-9"
		json.NewEncoder(w).Encode(item)
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.URL, server.Client())

	created, err := client.UploadItem(context.Background(), "lib-1", &Item{
		FileName: "IMG_0001.jpg",
		Metadata: map[string]string{"Title": "Alpine lake"},
	})
	require.NoError(t, err)
	assert.Equal(t, "item-9", created.ID)
	assert.Equal(t, "Alpine lake", created.Metadata["Title"])
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType errors.ErrorType
	}{
		{"server error is external", http.StatusBadGateway, errors.ErrorTypeExternal},
		{"throttling is rate limit", http.StatusTooManyRequests, errors.ErrorTypeRateLimit},
		{"bad request is validation", http.StatusBadRequest, errors.ErrorTypeValidation},
		{"unauthorized is authentication", http.StatusUnauthorized, errors.ErrorTypeAuthentication},
		{"missing library is not found", http.StatusNotFound, errors.ErrorTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewClientWithHTTP(server.URL, server.Client())

			_, err := client.GetSchema(context.Background(), "lib-1")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
		})
	}
}

func TestConnectionFailureIsExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	client := NewClientWithHTTP(server.URL, http.DefaultClient)

	_, err := client.GetSchema(context.Background(), "lib-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
}
