// Package ledger tracks listing identifiers that have already been extracted.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"homecrawler/internal/kvstore"
	"homecrawler/internal/listing"
)

// StateKey is the key-value record holding the ledger snapshot.
const StateKey = "STATE"

// Ledger is a concurrency-safe set of canonical identifiers with an optional cap.
type Ledger struct {
	mu       sync.RWMutex
	ids      map[listing.ItemID]struct{}
	reserved map[listing.ItemID]struct{}
	maxItems int
}

// New creates a ledger. maxItems <= 0 means unbounded.
func New(maxItems int) *Ledger {
	if maxItems < 0 {
		maxItems = 0
	}
	return &Ledger{
		ids:      make(map[listing.ItemID]struct{}),
		reserved: make(map[listing.ItemID]struct{}),
		maxItems: maxItems,
	}
}

// Has reports whether the normalised identifier is already recorded.
func (l *Ledger) Has(raw any) bool {
	id, ok := listing.Normalize(raw)
	if !ok {
		return false
	}
	l.mu.RLock()
	_, exists := l.ids[id]
	l.mu.RUnlock()
	return exists
}

// Add records the identifier and reports whether it was newly inserted.
func (l *Ledger) Add(raw any) bool {
	id, ok := listing.Normalize(raw)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ids[id]; exists {
		return false
	}
	l.ids[id] = struct{}{}
	return true
}

// Count returns the number of recorded identifiers.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ids)
}

// MaxItems returns the configured cap, 0 when unbounded.
func (l *Ledger) MaxItems() int {
	return l.maxItems
}

// IsOverCap reports whether count+extra has reached a positive cap.
func (l *Ledger) IsOverCap(extra int) bool {
	if l.maxItems <= 0 {
		return false
	}
	return l.Count()+extra >= l.maxItems
}

// Reservation holds a place under the cap for one identifier while its record is fetched.
type Reservation struct {
	l    *Ledger
	id   listing.ItemID
	once sync.Once
}

// Reserve claims a slot for raw. It fails when the identifier is invalid, already recorded,
// reserved by another caller, or when recorded plus reserved identifiers fill the cap.
func (l *Ledger) Reserve(raw any) (*Reservation, bool) {
	id, ok := listing.Normalize(raw)
	if !ok {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ids[id]; exists {
		return nil, false
	}
	if _, held := l.reserved[id]; held {
		return nil, false
	}
	if l.maxItems > 0 && len(l.ids)+len(l.reserved) >= l.maxItems {
		return nil, false
	}
	l.reserved[id] = struct{}{}
	return &Reservation{l: l, id: id}, true
}

// ID returns the reserved identifier.
func (r *Reservation) ID() listing.ItemID { return r.id }

// Commit records the identifier and frees the reservation.
func (r *Reservation) Commit() bool {
	added := false
	r.once.Do(func() {
		r.l.mu.Lock()
		defer r.l.mu.Unlock()
		delete(r.l.reserved, r.id)
		if _, exists := r.l.ids[r.id]; !exists {
			r.l.ids[r.id] = struct{}{}
			added = true
		}
	})
	return added
}

// Release frees the reservation without recording anything. It is a no-op after Commit.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.l.mu.Lock()
		delete(r.l.reserved, r.id)
		r.l.mu.Unlock()
	})
}

// Snapshot copies the identifiers in sorted order.
func (l *Ledger) Snapshot() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, string(id))
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Restore merges previously persisted identifiers. Invalid entries are ignored.
func (l *Ledger) Restore(ids []string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, raw := range ids {
		id, ok := listing.Normalize(raw)
		if !ok {
			continue
		}
		if _, exists := l.ids[id]; exists {
			continue
		}
		l.ids[id] = struct{}{}
		added++
	}
	return added
}

// Persist writes the snapshot under StateKey.
func (l *Ledger) Persist(ctx context.Context, kv kvstore.Store) error {
	payload, err := json.Marshal(l.Snapshot())
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := kv.Set(ctx, StateKey, payload); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// Load restores identifiers persisted by a previous run and returns how many were merged.
func (l *Ledger) Load(ctx context.Context, kv kvstore.Store) (int, error) {
	payload, err := kv.Get(ctx, StateKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load ledger: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		return 0, fmt.Errorf("decode ledger: %w", err)
	}
	return l.Restore(ids), nil
}
