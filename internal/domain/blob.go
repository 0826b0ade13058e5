package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes an archived object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads trade-log archives and backtest results. Paths are
// relative to the store's configured prefix.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart is used for archives too large for a single request.
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader fetches OHLCV series for backtests.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
