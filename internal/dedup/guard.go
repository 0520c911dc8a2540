// Package dedup suppresses stale and replayed callback events before they
// reach session routing.
package dedup

import (
	"sync"
	"time"

	"github.com/ggoodman/diary-callbacks/callback"
)

const (
	// DefaultMaxEventAge is the staleness threshold for incoming events.
	DefaultMaxEventAge = 5 * time.Minute
	// DefaultPerSession bounds remembered fingerprints per session.
	DefaultPerSession = 10
)

// Guard answers whether an event should be processed at all. Every instance
// runs it on every event, before the ownership check.
type Guard struct {
	mu       sync.Mutex
	sessions map[string]*recent

	maxAge     time.Duration
	perSession int
	now        func() time.Time
}

type recent struct {
	order    []string
	seen     map[string]struct{}
	lastSeen time.Time
}

type Option func(*Guard)

// WithMaxAge sets the staleness threshold. It also bounds how long a
// session's fingerprints are kept after its last event.
func WithMaxAge(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.maxAge = d
		}
	}
}

func WithPerSession(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.perSession = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(opts ...Option) *Guard {
	g := &Guard{
		sessions:   make(map[string]*recent),
		maxAge:     DefaultMaxEventAge,
		perSession: DefaultPerSession,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Verdict explains a ShouldProcess decision.
type Verdict int

const (
	Accept Verdict = iota
	Stale
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	default:
		return "accept"
	}
}

// ShouldProcess reports whether ev is fresh and has not been seen before.
// An accepted event is recorded so a later replay of it is rejected.
func (g *Guard) ShouldProcess(ev callback.Event) bool {
	return g.Check(ev) == Accept
}

// Stale reports whether ev is older than the max age. Nothing is recorded.
func (g *Guard) Stale(ev callback.Event) bool {
	return ev.Age(g.now()) > g.maxAge
}

// Check is ShouldProcess with the reason for a rejection.
func (g *Guard) Check(ev callback.Event) Verdict {
	now := g.now()
	if ev.Age(now) > g.maxAge {
		return Stale
	}
	fp := callback.Fingerprint(ev)

	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[ev.SessionID]
	if !ok {
		r = &recent{seen: make(map[string]struct{}, g.perSession)}
		g.sessions[ev.SessionID] = r
	}
	r.lastSeen = now
	if _, dup := r.seen[fp]; dup {
		return Duplicate
	}
	r.seen[fp] = struct{}{}
	r.order = append(r.order, fp)
	if len(r.order) > g.perSession {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return Accept
}

// Forget drops everything remembered about a session.
func (g *Guard) Forget(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// Sweep drops sessions that have seen no event for longer than the max age.
// Any replay arriving after that point is rejected as stale instead.
func (g *Guard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, r := range g.sessions {
		if now.Sub(r.lastSeen) > g.maxAge {
			delete(g.sessions, id)
			n++
		}
	}
	return n
}

// Len returns the number of sessions tracked.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
