package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homecrawler/internal/config"
	"homecrawler/pkg/types"
)

const defaultBatchSize = 200

// PostgresSink buffers records and writes them in pgx batches. Rows are keyed by listing id
// and duplicates are ignored, so a redelivered record is harmless.
type PostgresSink struct {
	pool      *pgxpool.Pool
	table     string
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	pending []row
}

type row struct {
	id      string
	payload []byte
}

// NewPostgresSink connects to cfg.DSN and, when AutoMigrate is set, creates the listings table.
func NewPostgresSink(ctx context.Context, cfg config.PostgresSinkConfig, logger *slog.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 2
	}
	poolCfg.MaxConns = int32(maxConns)
	if cfg.ViaBouncer {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	s := &PostgresSink{
		pool:      pool,
		table:     pgx.Identifier{schema, "listings"}.Sanitize(),
		batchSize: batch,
		logger:    logger.With("component", "postgres_sink"),
	}
	if cfg.AutoMigrate {
		if err := s.ensureSchema(ctx, schema); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context, schema string) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			listing_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			scraped_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure listings schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Push(ctx context.Context, id string, record types.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	s.mu.Lock()
	s.pending = append(s.pending, row{id: id, payload: payload})
	if len(s.pending) < s.batchSize {
		s.mu.Unlock()
		return nil
	}
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()

	_, err = s.insert(ctx, rows)
	return err
}

// Flush writes any buffered rows.
func (s *PostgresSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.pending
	s.pending = nil
	s.mu.Unlock()
	_, err := s.insert(ctx, rows)
	return err
}

func (s *PostgresSink) insert(ctx context.Context, rows []row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(
			`INSERT INTO `+s.table+` (listing_id, payload) VALUES ($1, $2)
			ON CONFLICT (listing_id) DO NOTHING`,
			r.id, r.payload,
		)
	}
	br := s.pool.SendBatch(ctx, b)
	inserted := 0
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("insert listings: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("insert listings: %w", err)
	}
	if skipped := len(rows) - inserted; skipped > 0 {
		s.logger.Debug("skipped duplicate listings", "count", skipped)
	}
	return inserted, nil
}

func (s *PostgresSink) Close() error {
	err := s.Flush(context.Background())
	s.pool.Close()
	return err
}
