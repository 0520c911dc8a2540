package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/diary-callbacks/callback"
)

const (
	// DefaultMaxAge bounds how long an entry may live without being evicted.
	DefaultMaxAge = 30 * time.Minute
	// DefaultMaxParked caps events held for a prepared session that has no
	// live connection yet.
	DefaultMaxParked = 10
)

// ErrConsumed is returned when activating a session whose terminal event has
// already been delivered. Session ids are never reused.
var ErrConsumed = errors.New("session already consumed")

// State is the per-instance lifecycle state of a session.
type State int

const (
	// Unprepared is the zero value and also what a missing entry reports.
	Unprepared State = iota
	Prepared
	Active
	Consumed
)

func (s State) String() string {
	switch s {
	case Prepared:
		return "prepared"
	case Active:
		return "active"
	case Consumed:
		return "consumed"
	default:
		return "unprepared"
	}
}

// TTLPolicy selects what the max age of an entry is measured from.
type TTLPolicy string

const (
	// PolicyIdle measures age from the last mutating call on the entry.
	PolicyIdle TTLPolicy = "idle"
	// PolicyAbsolute measures age from creation; activity never extends it.
	PolicyAbsolute TTLPolicy = "absolute"
)

// Admission is the routing decision for an incoming event.
type Admission int

const (
	// AdmitDrop means this instance holds no live entry for the session.
	AdmitDrop Admission = iota
	// AdmitDeliver means the session is active here and the event should be sent.
	AdmitDeliver
	// AdmitParked means the event was held for a connection that has not
	// subscribed yet or is still receiving earlier parked events.
	AdmitParked
)

// Registry is the per-process table of session id to lifecycle state. All
// methods are safe for concurrent use; a single lock guards the whole table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	policy    TTLPolicy
	maxAge    time.Duration
	maxParked int
	now       func() time.Time
}

type entry struct {
	state     State
	createdAt time.Time
	touchedAt time.Time

	parked   []callback.Event
	draining bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPolicy selects idle-reset (default) or absolute expiry.
func WithPolicy(p TTLPolicy) RegistryOption {
	return func(r *Registry) {
		if p == PolicyIdle || p == PolicyAbsolute {
			r.policy = p
		}
	}
}

// WithMaxAge sets the age after which Sweep evicts an entry regardless of state.
func WithMaxAge(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithMaxParked caps parked events per session; the oldest is dropped first.
func WithMaxParked(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxParked = n
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs an empty Registry. Each process (or each simulated
// instance in tests) owns its own.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		policy:    PolicyIdle,
		maxAge:    DefaultMaxAge,
		maxParked: DefaultMaxParked,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Policy reports the TTL policy in effect.
func (r *Registry) Policy() TTLPolicy { return r.policy }

// Prepare records that this instance expects a subscription for id. It
// returns false, changing nothing, if an entry already exists.
func (r *Registry) Prepare(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return false
	}
	now := r.now()
	r.entries[id] = &entry{state: Prepared, createdAt: now, touchedAt: now}
	return true
}

// Activate marks id as holding a live connection on this instance. Activating
// an id that was never prepared succeeds. Events parked while the session was
// prepared are returned in publish order; the caller must deliver them and
// then call FinishDrain until it returns nothing.
func (r *Registry) Activate(id string) ([]callback.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	e, ok := r.entries[id]
	if !ok {
		r.entries[id] = &entry{state: Active, createdAt: now, touchedAt: now}
		return nil, nil
	}
	switch e.state {
	case Consumed:
		return nil, ErrConsumed
	case Active:
		r.touch(e, now)
		return nil, nil
	}
	e.state = Active
	r.touch(e, now)
	parked := e.parked
	e.parked = nil
	e.draining = len(parked) > 0
	return parked, nil
}

// FinishDrain returns events parked since the previous Activate or
// FinishDrain call. When none remain it ends the drain so later events are
// admitted for direct delivery.
func (r *Registry) FinishDrain(id string) []callback.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.draining {
		return nil
	}
	if len(e.parked) > 0 {
		parked := e.parked
		e.parked = nil
		return parked
	}
	e.draining = false
	return nil
}

// IsActiveLocally reports whether this instance holds the live connection for
// id. It only takes the read lock.
func (r *Registry) IsActiveLocally(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return ok && e.state == Active
}

// Admit decides, atomically with respect to Activate and FinishDrain, what to
// do with ev on this instance.
func (r *Registry) Admit(ev callback.Event) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ev.SessionID]
	if !ok {
		return AdmitDrop
	}
	switch e.state {
	case Prepared:
		r.park(e, ev)
		return AdmitParked
	case Active:
		if e.draining {
			r.park(e, ev)
			return AdmitParked
		}
		r.touch(e, r.now())
		return AdmitDeliver
	default:
		return AdmitDrop
	}
}

// Consume moves id to the terminal Consumed state. Missing ids are ignored.
func (r *Registry) Consume(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.state = Consumed
	e.parked = nil
	e.draining = false
	r.touch(e, r.now())
}

// Evict removes id outright, reporting whether an entry existed.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Release removes id unless it is Consumed. Consumed entries stay until the
// sweep so a late subscribe cannot reactivate the session. It reports whether
// an entry was removed.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state == Consumed {
		return false
	}
	delete(r.entries, id)
	return true
}

// State returns the current state of id; missing entries are Unprepared.
func (r *Registry) State(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.state
	}
	return Unprepared
}

// Len returns the number of entries held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep evicts every entry older than the max age at now under the
// configured policy, regardless of state, and returns the evicted ids.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, e := range r.entries {
		ref := e.touchedAt
		if r.policy == PolicyAbsolute {
			ref = e.createdAt
		}
		if now.Sub(ref) > r.maxAge {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *Registry) touch(e *entry, now time.Time) {
	if r.policy == PolicyIdle {
		e.touchedAt = now
	}
}

func (r *Registry) park(e *entry, ev callback.Event) {
	e.parked = append(e.parked, ev)
	if over := len(e.parked) - r.maxParked; over > 0 {
		e.parked = append(e.parked[:0:0], e.parked[over:]...)
	}
	r.touch(e, r.now())
}
