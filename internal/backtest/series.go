package backtest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// seriesHeader is the column order of OHLCV files.
var seriesHeader = []string{"exchange", "timestamp", "open", "high", "low", "close", "volume"}

// ReadSeries parses exchange,timestamp,open,high,low,close,volume rows for
// symbol and groups them by exchange. A leading header row is skipped.
func ReadSeries(r io.Reader, symbol string) (map[string][]domain.Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(seriesHeader)
	cr.TrimLeadingSpace = true

	out := make(map[string][]domain.Candle)
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("backtest: read series: %w", err)
		}
		if line == 1 && strings.EqualFold(rec[0], seriesHeader[0]) {
			continue
		}
		c, err := parseCandle(rec, symbol)
		if err != nil {
			return nil, fmt.Errorf("backtest: line %d: %w", line, err)
		}
		out[c.Exchange] = append(out[c.Exchange], c)
	}
	return out, nil
}

// LoadSeriesFile reads a local OHLCV CSV file.
func LoadSeriesFile(path, symbol string) (map[string][]domain.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backtest: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadSeries(f, symbol)
}

// SeriesPath is the object-store key of an exchange's OHLCV file.
func SeriesPath(exchange, symbol string) string {
	return fmt.Sprintf("ohlcv/%s/%s.csv", exchange, strings.ToUpper(symbol))
}

// LoadSeriesBlob downloads ohlcv/{exchange}/{symbol}.csv for each exchange.
// Missing objects are skipped.
func LoadSeriesBlob(ctx context.Context, blobs domain.BlobReader, exchanges []string, symbol string) (map[string][]domain.Candle, error) {
	out := make(map[string][]domain.Candle)
	for _, ex := range exchanges {
		path := SeriesPath(ex, symbol)
		ok, err := blobs.Exists(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("backtest: stat %s: %w", path, err)
		}
		if !ok {
			continue
		}
		rc, err := blobs.Get(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("backtest: get %s: %w", path, err)
		}
		series, err := ReadSeries(rc, symbol)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("backtest: %s: %w", path, err)
		}
		for e, candles := range series {
			out[e] = append(out[e], candles...)
		}
	}
	return out, nil
}

// DiscoverSymbols lists ohlcv/ and returns the sorted symbols that have a
// series on at least two exchanges.
func DiscoverSymbols(ctx context.Context, blobs domain.BlobReader) ([]string, error) {
	infos, err := blobs.List(ctx, "ohlcv/")
	if err != nil {
		return nil, fmt.Errorf("backtest: list series: %w", err)
	}
	seen := make(map[string]map[string]bool)
	for _, info := range infos {
		parts := strings.Split(strings.TrimPrefix(info.Path, "/"), "/")
		if len(parts) != 3 || parts[0] != "ohlcv" || !strings.HasSuffix(parts[2], ".csv") {
			continue
		}
		sym := strings.ToUpper(strings.TrimSuffix(parts[2], ".csv"))
		if seen[sym] == nil {
			seen[sym] = make(map[string]bool)
		}
		seen[sym][parts[1]] = true
	}
	var out []string
	for sym, exchanges := range seen {
		if len(exchanges) >= 2 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

func parseCandle(rec []string, symbol string) (domain.Candle, error) {
	ts, err := parseTimestamp(rec[1])
	if err != nil {
		return domain.Candle{}, err
	}
	var px [5]float64
	for i := range px {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+2]), 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("column %s: %w", seriesHeader[i+2], err)
		}
		px[i] = v
	}
	return domain.Candle{
		Exchange: strings.ToLower(strings.TrimSpace(rec[0])),
		Symbol:   strings.ToUpper(symbol),
		Time:     ts,
		Open:     px[0],
		High:     px[1],
		Low:      px[2],
		Close:    px[3],
		Volume:   px[4],
	}, nil
}

// parseTimestamp accepts unix seconds, unix milliseconds, RFC 3339 and
// "2006-01-02 15:04:05" (UTC).
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
