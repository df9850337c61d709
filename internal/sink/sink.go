// Package sink receives the shaped listing records a crawl produces.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"homecrawler/internal/config"
	"homecrawler/pkg/types"
)

// Sink is an append-only record destination. Delivery is at least once; callers dedupe upstream.
type Sink interface {
	Push(ctx context.Context, id string, record types.Record) error
	Close() error
}

// Open builds the sinks enabled in cfg. With none enabled it falls back to a JSON lines file.
func Open(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if cfg.JSONLPath != "" {
		s, err := NewJSONLSink(cfg.JSONLPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Postgres.DSN != "" {
		s, err := NewPostgresSink(ctx, cfg.Postgres, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return NewJSONLSink(config.DefaultOutputPath)
	case 1:
		return sinks[0], nil
	default:
		return NewFanout(sinks...), nil
	}
}

// Fanout pushes each record to every wrapped sink in order.
type Fanout struct {
	sinks []Sink
}

// NewFanout combines sinks. Nil entries are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Push(ctx context.Context, id string, record types.Record) error {
	for i, s := range f.sinks {
		if err := s.Push(ctx, id, record); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entry is one pushed record.
type Entry struct {
	ID     string
	Record types.Record
}

// Memory keeps pushed records in order. It is used by tests and embedded runs.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Push(ctx context.Context, id string, record types.Record) error {
	m.mu.Lock()
	m.entries = append(m.entries, Entry{ID: id, Record: record.Clone()})
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of everything pushed so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// IDs returns the pushed identifiers in push order.
func (m *Memory) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.entries))
	for i, e := range m.entries {
		ids[i] = e.ID
	}
	return ids
}

func (m *Memory) Close() error { return nil }
