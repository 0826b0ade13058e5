package tradelog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Memory is an in-process domain.TradeLogStore. When opened on a file it
// also appends every record to that file as CSV.
type Memory struct {
	mu      sync.RWMutex
	records []domain.TradeRecord
	enc     *Encoder
	file    *os.File
}

var _ domain.TradeLogStore = (*Memory)(nil)

// NewMemory returns an empty in-memory trade log.
func NewMemory() *Memory {
	return &Memory{}
}

// OpenFile returns a Memory that mirrors records to the CSV file at path,
// writing the header when the file is new.
func OpenFile(path string) (*Memory, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tradelog: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tradelog: stat %s: %w", path, err)
	}
	m := &Memory{enc: NewEncoder(f), file: f}
	if st.Size() == 0 {
		if err := m.enc.WriteHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return m, nil
}

// Append stores rec, assigning the next sequential ID.
func (m *Memory) Append(_ context.Context, rec domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.records) + 1)
	if m.enc != nil {
		if err := m.enc.Encode(rec); err != nil {
			return err
		}
	}
	m.records = append(m.records, rec)
	return nil
}

// List returns records newest first, filtered and paginated by opts.
func (m *Memory) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.TradeRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if opts.Since != nil && rec.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !rec.Timestamp.Before(*opts.Until) {
			continue
		}
		out = append(out, rec)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListByPosition returns a position's records in append order.
func (m *Memory) ListByPosition(_ context.Context, positionID string) ([]domain.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TradeRecord
	for _, rec := range m.records {
		if rec.PositionID == positionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListBetween returns records with from <= Timestamp < to in append order.
func (m *Memory) ListBetween(_ context.Context, from, to time.Time) ([]domain.TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.TradeRecord
	for _, rec := range m.records {
		if !rec.Timestamp.Before(from) && rec.Timestamp.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close closes the mirror file, if any.
func (m *Memory) Close() error {
	if m.file == nil {
		return nil
	}
	return m.file.Close()
}
