// Package session tracks network identities and the credential that gates item-detail fetches.
package session

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("session: pool closed")

// Session is one network identity: a proxy plus whatever cookies the browser accumulates on it.
type Session interface {
	ID() string
	ProxyURL() string
	IsUsable() bool
	// MarkBad raises the error score; a session past the pool threshold stops being usable.
	MarkBad()
	MarkGood()
	// Retire makes the session unusable at once so the next Get rotates identity.
	Retire()
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	MaxSessions   int
	ProxyURLs     []string
	MaxErrorScore float64
	Logger        *slog.Logger
}

const (
	defaultMaxSessions   = 20
	defaultMaxErrorScore = 3
)

// Pool hands out usable sessions and replaces the ones that were retired.
type Pool struct {
	mu       sync.Mutex
	opts     PoolOptions
	logger   *slog.Logger
	sessions []*networkSession
	created  int
	next     int
	closed   bool
}

// NewPool builds a pool. Zero options fall back to defaults.
func NewPool(opts PoolOptions) *Pool {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.MaxErrorScore <= 0 {
		opts.MaxErrorScore = defaultMaxErrorScore
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{opts: opts, logger: logger.With("component", "session_pool")}
}

// Get returns a usable session, creating one while the pool is below its size limit.
func (p *Pool) Get() (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	live := p.sessions[:0]
	for _, s := range p.sessions {
		if s.IsUsable() {
			live = append(live, s)
		} else {
			p.logger.Debug("dropping session", "session", s.id, "proxy", s.proxy)
		}
	}
	p.sessions = live

	if len(p.sessions) < p.opts.MaxSessions {
		s := p.newSession()
		p.sessions = append(p.sessions, s)
		return s, nil
	}
	s := p.sessions[p.next%len(p.sessions)]
	p.next++
	return s, nil
}

func (p *Pool) newSession() *networkSession {
	var proxy string
	if n := len(p.opts.ProxyURLs); n > 0 {
		proxy = p.opts.ProxyURLs[p.created%n]
	}
	p.created++
	return &networkSession{
		id:       uuid.NewString(),
		proxy:    proxy,
		maxScore: p.opts.MaxErrorScore,
	}
}

// Size returns the number of sessions currently held.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close retires every session.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.Retire()
	}
	p.sessions = nil
	p.closed = true
	return nil
}

type networkSession struct {
	id       string
	proxy    string
	maxScore float64

	mu      sync.Mutex
	score   float64
	retired bool
}

func (s *networkSession) ID() string       { return s.id }
func (s *networkSession) ProxyURL() string { return s.proxy }

func (s *networkSession) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.retired && s.score < s.maxScore
}

func (s *networkSession) MarkBad() {
	s.mu.Lock()
	s.score++
	s.mu.Unlock()
}

func (s *networkSession) MarkGood() {
	s.mu.Lock()
	s.score -= 0.5
	if s.score < 0 {
		s.score = 0
	}
	s.mu.Unlock()
}

func (s *networkSession) Retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}
