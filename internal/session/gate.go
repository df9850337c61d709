package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"homecrawler/internal/kvstore"
	"homecrawler/pkg/types"
)

// CredentialKey is the kv key the credential is persisted under.
const CredentialKey = "QUERY"

// Gate holds the write-once query credential. Work that needs the credential waits on Ready.
type Gate struct {
	mu       sync.RWMutex
	cred     types.Credential
	set      bool
	ready    chan struct{}
	failures atomic.Int64
	busy     atomic.Bool
}

// NewGate returns a gate without a credential.
func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// Set stores cred if no credential was stored before. It reports whether this call took effect;
// later acquisitions that raced the first one are discarded.
func (g *Gate) Set(cred types.Credential) bool {
	if !cred.Valid() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		return false
	}
	g.cred = cred
	g.set = true
	close(g.ready)
	return true
}

// Get returns the credential and whether one is set.
func (g *Gate) Get() (types.Credential, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cred, g.set
}

// Ready is closed once a credential is set.
func (g *Gate) Ready() <-chan struct{} {
	return g.ready
}

// Invalidate records a fetch the backend refused with the current credential. It returns the
// number of refusals since the last Confirm.
func (g *Gate) Invalidate() int64 {
	return g.failures.Add(1)
}

// Confirm records a fetch the credential was accepted for and resets the refusal count.
func (g *Gate) Confirm() {
	g.failures.Store(0)
}

// Failures returns the refusals since the last Confirm.
func (g *Gate) Failures() int64 {
	return g.failures.Load()
}

// Acquiring claims the right to run a credential acquisition. When ok is false another
// acquisition is running; otherwise release must be called when the attempt ends.
func (g *Gate) Acquiring() (release func(), ok bool) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { g.busy.Store(false) }) }, true
}

// Load restores a persisted credential. It reports whether one was found and applied.
func (g *Gate) Load(ctx context.Context, kv kvstore.Store) (bool, error) {
	data, err := kv.Get(ctx, CredentialKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}
	var cred types.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return false, fmt.Errorf("decode credential: %w", err)
	}
	if !cred.Valid() {
		return false, nil
	}
	return g.Set(cred), nil
}

// Discard overwrites the persisted credential with an empty one, so the next Load finds nothing
// and the next run acquires a fresh credential.
func (g *Gate) Discard(ctx context.Context, kv kvstore.Store) error {
	if err := kv.Set(ctx, CredentialKey, []byte("{}")); err != nil {
		return fmt.Errorf("discard credential: %w", err)
	}
	return nil
}

// Persist writes the current credential. It is a no-op while none is set.
func (g *Gate) Persist(ctx context.Context, kv kvstore.Store) error {
	cred, ok := g.Get()
	if !ok {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := kv.Set(ctx, CredentialKey, data); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}
