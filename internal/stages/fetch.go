package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/erni-foto/pipeline/internal/pipeline"
	"github.com/erni-foto/pipeline/pkg/errors"
)

// AssetDownloader fetches raw photo bytes
type AssetDownloader interface {
	DownloadAsset(ctx context.Context, assetID string) ([]byte, error)
}

// NewFetchHandler returns the asset fetch stage: it downloads the photo and
// records its content hash for the report.
func NewFetchHandler(downloader AssetDownloader) pipeline.Handler {
	return func(ctx context.Context, exchange *pipeline.Exchange) error {
		data, err := downloader.DownloadAsset(ctx, exchange.Item.AssetID)
		if err != nil {
			return err
		}

		if len(data) == 0 {
			return errors.NewValidationError("asset is empty")
		}

		sum := sha256.Sum256(data)
		exchange.Asset = data
		exchange.AssetHash = hex.EncodeToString(sum[:])
		return nil
	}
}
