package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
	"github.com/alanyoungcy/listingarb/internal/tradelog"
)

// TradeRangeSource reads trade-log rows in [from, to).
type TradeRangeSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]domain.TradeRecord, error)
}

// PositionSource lists positions for the JSONL snapshot. Optional.
type PositionSource interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 16 << 20

// Archiver uploads the trade log as CSV, one object per interval, plus an
// optional JSONL snapshot of positions. Rows are not removed from the
// database.
type Archiver struct {
	writer      domain.BlobWriter
	trades      TradeRangeSource
	positions   PositionSource
	clock       clock.Clock
	logger      *slog.Logger
	multipartAt int
}

// NewArchiver creates an Archiver. positions may be nil.
func NewArchiver(writer domain.BlobWriter, trades TradeRangeSource, positions PositionSource, clk clock.Clock, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:      writer,
		trades:      trades,
		positions:   positions,
		clock:       clk,
		logger:      logger.With(slog.String("component", "archiver")),
		multipartAt: multipartThreshold,
	}
}

// Run archives every interval, each upload covering the trades since the
// previous one. The first window starts at the time Run is called.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	from := a.clock.Now()
	for {
		if err := clock.Sleep(ctx, a.clock, interval); err != nil {
			return nil
		}
		to := a.clock.Now()
		n, err := a.ArchiveTrades(ctx, from, to)
		if err != nil {
			a.logger.Warn("trade archive failed", slog.String("error", err.Error()))
			continue
		}
		if _, err := a.ArchivePositions(ctx, to); err != nil {
			a.logger.Warn("position archive failed", slog.String("error", err.Error()))
		}
		a.logger.Info("trade log archived", slog.Int("rows", n), slog.Time("to", to))
		from = to
	}
}

// ArchiveTrades uploads rows in [from, to) to
// tradelog/yyyy/mm/dd/trades-{unix}.csv and returns the row count. Nothing is
// written for an empty window.
func (a *Archiver) ArchiveTrades(ctx context.Context, from, to time.Time) (int, error) {
	recs, err := a.trades.ListBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	if err := tradelog.WriteAll(&buf, recs); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades encode: %w", err)
	}
	path := TradeLogPath(to)
	if err := a.upload(ctx, path, buf.Bytes(), "text/csv"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}
	return len(recs), nil
}

// ArchivePositions uploads every position as JSONL to
// positions/yyyy/mm/dd/positions-{unix}.jsonl.
func (a *Archiver) ArchivePositions(ctx context.Context, at time.Time) (int, error) {
	if a.positions == nil {
		return 0, nil
	}
	list, err := a.positions.List(ctx, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(list) == 0 {
		return 0, nil
	}
	data, err := marshalJSONL(list)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions encode: %w", err)
	}
	path := datedPath("positions", "positions", "jsonl", at)
	if err := a.upload(ctx, path, data, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	return len(list), nil
}

func (a *Archiver) upload(ctx context.Context, path string, data []byte, contentType string) error {
	if len(data) >= a.multipartAt {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(data), contentType)
}

// TradeLogPath is the object key of a trade-log archive cut at t.
func TradeLogPath(t time.Time) string {
	return datedPath("tradelog", "trades", "csv", t)
}

func datedPath(dir, name, ext string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%s/%s-%d.%s", dir, t.Format("2006/01/02"), name, t.Unix(), ext)
}

// marshalJSONL encodes records one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
