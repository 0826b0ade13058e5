package s3blob

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/clock"
	"github.com/alanyoungcy/listingarb/internal/domain"
)

var at = time.Date(2024, 7, 1, 12, 30, 0, 0, time.UTC)

type memWriter struct {
	objects   map[string][]byte
	types     map[string]string
	multipart []string
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = b
	w.types[path] = contentType
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	w.multipart = append(w.multipart, path)
	return w.Put(ctx, path, data, "")
}

type fixedTrades []domain.TradeRecord

func (f fixedTrades) ListBetween(_ context.Context, from, to time.Time) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, r := range f {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fixedPositions []domain.Position

func (f fixedPositions) List(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return f, nil
}

func newArchiver(w domain.BlobWriter, trades fixedTrades, positions PositionSource) *Archiver {
	return NewArchiver(w, trades, positions, clock.NewFake(at), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestArchiveTrades(t *testing.T) {
	trades := fixedTrades{
		{PositionID: "p1", Timestamp: at.Add(-time.Hour), Action: domain.TradeOpen, Amount: decimal.NewFromInt(30)},
		{PositionID: "p1", Timestamp: at.Add(-time.Minute), Action: domain.TradeClose, Amount: decimal.NewFromInt(30)},
		{PositionID: "p2", Timestamp: at.Add(time.Minute), Action: domain.TradeOpen, Amount: decimal.NewFromInt(30)},
	}
	w := newMemWriter()
	n, err := newArchiver(w, trades, nil).ArchiveTrades(context.Background(), at.Add(-2*time.Hour), at)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows=%d want 2", n)
	}
	path := "tradelog/2024/07/01/trades-1719837000.csv"
	data, ok := w.objects[path]
	if !ok {
		t.Fatalf("object %s missing; have %v", path, w.objects)
	}
	if w.types[path] != "text/csv" {
		t.Fatalf("content type %q", w.types[path])
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil || len(rows) != 3 {
		t.Fatalf("rows=%d err=%v", len(rows), err)
	}
}

func TestArchiveEmptyWindowWritesNothing(t *testing.T) {
	w := newMemWriter()
	n, err := newArchiver(w, nil, nil).ArchiveTrades(context.Background(), at.Add(-time.Hour), at)
	if err != nil || n != 0 || len(w.objects) != 0 {
		t.Fatalf("n=%d err=%v objects=%d", n, err, len(w.objects))
	}
}

func TestArchivePositionsJSONL(t *testing.T) {
	w := newMemWriter()
	a := newArchiver(w, nil, fixedPositions{{ID: "p1", Symbol: "XYZ"}, {ID: "p2", Symbol: "ABC"}})
	n, err := a.ArchivePositions(context.Background(), at)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	data := w.objects["positions/2024/07/01/positions-1719837000.jsonl"]
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Fatalf("lines=%d want 2", lines)
	}
}

func TestLargeArchiveUsesMultipart(t *testing.T) {
	w := newMemWriter()
	a := newArchiver(w, fixedTrades{{PositionID: "p1", Timestamp: at.Add(-time.Minute)}}, nil)
	a.multipartAt = 1
	if _, err := a.ArchiveTrades(context.Background(), at.Add(-time.Hour), at); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(w.multipart) != 1 || w.multipart[0] != TradeLogPath(at) {
		t.Fatalf("multipart uploads %v", w.multipart)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"minio:9000", false, "http://minio:9000"},
		{"e2.example.com", true, "https://e2.example.com"},
		{"https://r2.example.com", false, "https://r2.example.com"},
	}
	for _, c := range cases {
		if got := normaliseEndpoint(c.in, c.ssl); got != c.want {
			t.Fatalf("normaliseEndpoint(%q, %v) = %q want %q", c.in, c.ssl, got, c.want)
		}
	}
}

func TestJoinPrefix(t *testing.T) {
	if got := joinPrefix("listarb/", "/ohlcv/binance/XYZ.csv"); got != "listarb/ohlcv/binance/XYZ.csv" {
		t.Fatalf("got %q", got)
	}
	if got := joinPrefix("", "a/b"); got != "a/b" {
		t.Fatalf("got %q", got)
	}
}
