package frontier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// queueRow is the persisted form of an Item. Priority orders claims: forefront rows carry
// negative values so the most recent forefront add is claimed first.
type queueRow struct {
	ID        uint      `gorm:"primaryKey"`
	UniqueKey string    `gorm:"uniqueIndex;not null"`
	Label     string    `gorm:"not null"`
	State     itemState `gorm:"index;not null"`
	Priority  int64     `gorm:"index;not null"`
	Retries   int
	LastError string
	Payload   string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (queueRow) TableName() string { return "frontier_items" }

// SQLiteQueue is a Queue persisted in a SQLite file so an interrupted crawl resumes where it stopped.
type SQLiteQueue struct {
	db  *gorm.DB
	mu  sync.Mutex
	seq int64
}

// OpenSQLiteQueue opens or creates the queue database at path. Items that were in flight when
// the previous process stopped are returned to pending.
func OpenSQLiteQueue(ctx context.Context, path string) (*SQLiteQueue, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create frontier directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open frontier database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("frontier database handle: %w", err)
	}
	// SQLite serialises writers; one connection avoids "database is locked" between claimers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&queueRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate frontier schema: %w", err)
	}

	if err := db.WithContext(ctx).Model(&queueRow{}).
		Where("state = ?", stateInFlight).
		Update("state", statePending).Error; err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("requeue in-flight items: %w", err)
	}

	var maxSeq struct{ Hi, Lo int64 }
	if err := db.WithContext(ctx).Model(&queueRow{}).
		Select("COALESCE(MAX(priority), 0) AS hi, COALESCE(MIN(priority), 0) AS lo").
		Scan(&maxSeq).Error; err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("read frontier sequence: %w", err)
	}
	seq := maxSeq.Hi
	if -maxSeq.Lo > seq {
		seq = -maxSeq.Lo
	}

	return &SQLiteQueue{db: db, seq: seq}, nil
}

func (q *SQLiteQueue) nextPriority(forefront bool) int64 {
	q.seq++
	if forefront {
		return -q.seq
	}
	return q.seq
}

func (q *SQLiteQueue) Add(ctx context.Context, item Item, opts AddOptions) (AddResult, error) {
	if err := validate(item); err != nil {
		return AddResult{}, err
	}
	item.UniqueKey = item.Key()
	payload, err := json.Marshal(item)
	if err != nil {
		return AddResult{}, fmt.Errorf("encode frontier item: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	row := queueRow{
		UniqueKey: item.UniqueKey,
		Label:     item.Label.String(),
		State:     statePending,
		Priority:  q.nextPriority(opts.Forefront),
		Retries:   item.Retries,
		Payload:   string(payload),
	}
	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unique_key"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return AddResult{}, fmt.Errorf("insert frontier item: %w", res.Error)
	}
	return AddResult{UniqueKey: item.UniqueKey, WasAlreadyPresent: res.RowsAffected == 0}, nil
}

func (q *SQLiteQueue) Claim(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed *Item
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row queueRow
		err := tx.Where("state = ?", statePending).Order("priority ASC, id ASC").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var item Item
		if err := json.Unmarshal([]byte(row.Payload), &item); err != nil {
			return fmt.Errorf("decode frontier item %d: %w", row.ID, err)
		}
		item.UniqueKey = row.UniqueKey
		item.Retries = row.Retries
		item.LastError = row.LastError
		if err := tx.Model(&queueRow{}).Where("id = ?", row.ID).Update("state", stateInFlight).Error; err != nil {
			return err
		}
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim frontier item: %w", err)
	}
	return claimed, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, item *Item) error {
	return q.transition(ctx, item, map[string]any{"state": stateHandled})
}

func (q *SQLiteQueue) Abandon(ctx context.Context, item *Item, cause error) error {
	updates := map[string]any{"state": stateAbandoned}
	if cause != nil {
		item.LastError = cause.Error()
		updates["last_error"] = item.LastError
	}
	return q.transition(ctx, item, updates)
}

func (q *SQLiteQueue) Reclaim(ctx context.Context, item *Item, cause error) error {
	item.Retries++
	if cause != nil {
		item.LastError = cause.Error()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode frontier item: %w", err)
	}
	q.mu.Lock()
	priority := q.nextPriority(false)
	q.mu.Unlock()
	return q.transition(ctx, item, map[string]any{
		"state":      statePending,
		"priority":   priority,
		"retries":    item.Retries,
		"last_error": item.LastError,
		"payload":    string(payload),
	})
}

func (q *SQLiteQueue) transition(ctx context.Context, item *Item, updates map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	res := q.db.WithContext(ctx).Model(&queueRow{}).
		Where("unique_key = ? AND state = ?", item.UniqueKey, stateInFlight).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update frontier item %q: %w", item.UniqueKey, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("frontier: item %q is not in flight", item.UniqueKey)
	}
	return nil
}

func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		State itemState
		Count int64
	}
	if err := q.db.WithContext(ctx).Model(&queueRow{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return Stats{}, fmt.Errorf("count frontier items: %w", err)
	}
	var stats Stats
	for _, r := range rows {
		switch r.State {
		case statePending:
			stats.Pending = r.Count
		case stateInFlight:
			stats.InFlight = r.Count
		case stateHandled:
			stats.Handled = r.Count
		case stateAbandoned:
			stats.Abandoned = r.Count
		}
	}
	return stats, nil
}

func (q *SQLiteQueue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
