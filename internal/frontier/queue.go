package frontier

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("frontier: queue closed")

// AddOptions tunes a single Add call.
type AddOptions struct {
	// Forefront places the item ahead of all pending work.
	Forefront bool
}

// AddResult reports what Add did with an item.
type AddResult struct {
	UniqueKey         string
	WasAlreadyPresent bool
}

// Stats counts items per state.
type Stats struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"in_flight"`
	Handled   int64 `json:"handled"`
	Abandoned int64 `json:"abandoned"`
}

// Queue is a deduplicating work queue. An item whose unique key was ever added before is
// reported as already present and not enqueued again.
type Queue interface {
	Add(ctx context.Context, item Item, opts AddOptions) (AddResult, error)
	// Claim returns the next pending item, or nil when nothing is pending.
	Claim(ctx context.Context) (*Item, error)
	Complete(ctx context.Context, item *Item) error
	// Reclaim returns a failed item to the pending set with Retries incremented.
	Reclaim(ctx context.Context, item *Item, cause error) error
	Abandon(ctx context.Context, item *Item, cause error) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type itemState int

const (
	statePending itemState = iota
	stateInFlight
	stateHandled
	stateAbandoned
)

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	pending *list.List
	states  map[string]itemState
	closed  bool
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: list.New(),
		states:  make(map[string]itemState),
	}
}

func (q *MemoryQueue) Add(ctx context.Context, item Item, opts AddOptions) (AddResult, error) {
	if err := validate(item); err != nil {
		return AddResult{}, err
	}
	key := item.Key()
	item.UniqueKey = key

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return AddResult{}, ErrClosed
	}
	if _, seen := q.states[key]; seen {
		return AddResult{UniqueKey: key, WasAlreadyPresent: true}, nil
	}
	q.states[key] = statePending
	stored := item
	if opts.Forefront {
		q.pending.PushFront(&stored)
	} else {
		q.pending.PushBack(&stored)
	}
	return AddResult{UniqueKey: key}, nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	front := q.pending.Front()
	if front == nil {
		return nil, nil
	}
	q.pending.Remove(front)
	item := front.Value.(*Item)
	q.states[item.UniqueKey] = stateInFlight
	claimed := *item
	return &claimed, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, item *Item) error {
	return q.finish(item, stateHandled)
}

func (q *MemoryQueue) Abandon(ctx context.Context, item *Item, cause error) error {
	if cause != nil {
		item.LastError = cause.Error()
	}
	return q.finish(item, stateAbandoned)
}

func (q *MemoryQueue) finish(item *Item, state itemState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	current, ok := q.states[item.UniqueKey]
	if !ok || current != stateInFlight {
		return fmt.Errorf("frontier: item %q is not in flight", item.UniqueKey)
	}
	q.states[item.UniqueKey] = state
	return nil
}

func (q *MemoryQueue) Reclaim(ctx context.Context, item *Item, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	current, ok := q.states[item.UniqueKey]
	if !ok || current != stateInFlight {
		return fmt.Errorf("frontier: item %q is not in flight", item.UniqueKey)
	}
	item.Retries++
	if cause != nil {
		item.LastError = cause.Error()
	}
	stored := *item
	q.states[item.UniqueKey] = statePending
	q.pending.PushBack(&stored)
	return nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats Stats
	for _, state := range q.states {
		switch state {
		case statePending:
			stats.Pending++
		case stateInFlight:
			stats.InFlight++
		case stateHandled:
			stats.Handled++
		case stateAbandoned:
			stats.Abandoned++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func validate(item Item) error {
	if !item.Label.Valid() {
		return fmt.Errorf("frontier: invalid label %d", int(item.Label))
	}
	if item.Key() == "" {
		return errors.New("frontier: item needs a url or unique key")
	}
	return nil
}
