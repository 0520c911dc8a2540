package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ggoodman/diary-callbacks/callback"
	"github.com/ggoodman/diary-callbacks/internal/logctx"
)

// DefaultSweepInterval is how often the Controller evicts expired entries.
const DefaultSweepInterval = 5 * time.Second

// Replayer delivers events that were parked before a session became active.
// It must keep calling Registry.FinishDrain until it returns nothing.
type Replayer interface {
	Replay(ctx context.Context, sessionID string, parked []callback.Event)
}

// ReadSessionIssuer is the external collaborator invoked when a session
// subscribes, e.g. to mint short-lived read access for the diary's images.
type ReadSessionIssuer interface {
	GenerateReadSession(ctx context.Context, sessionID string) error
}

// Sweeper is any table that ages its own entries out alongside the registry.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Controller drives the Registry from connection lifecycle events and owns
// the periodic sweep.
type Controller struct {
	reg      *Registry
	log      *slog.Logger
	replayer Replayer
	issuer   ReadSessionIssuer
	sweepers []Sweeper
	interval time.Duration
	onEvict  func(ids []string)
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithLogger(log *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

func WithReplayer(r Replayer) ControllerOption {
	return func(c *Controller) { c.replayer = r }
}

func WithReadSessionIssuer(i ReadSessionIssuer) ControllerOption {
	return func(c *Controller) { c.issuer = i }
}

// WithSweeper adds a table to be swept on the same schedule as the registry.
func WithSweeper(s Sweeper) ControllerOption {
	return func(c *Controller) {
		if s != nil {
			c.sweepers = append(c.sweepers, s)
		}
	}
}

func WithSweepInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithEvictionHook is called with the ids removed by each sweep that removed
// anything.
func WithEvictionHook(fn func(ids []string)) ControllerOption {
	return func(c *Controller) { c.onEvict = fn }
}

func NewController(reg *Registry, opts ...ControllerOption) *Controller {
	c := &Controller{
		reg:      reg,
		log:      slog.Default(),
		interval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Registry returns the registry this controller drives.
func (c *Controller) Registry() *Registry { return c.reg }

// Prepare is called by the request handler that triggers AI work, before the
// client subscribes. It reports whether a new entry was created.
func (c *Controller) Prepare(ctx context.Context, id string) bool {
	created := c.reg.Prepare(id)
	ctx = c.sessionContext(ctx, id)
	if created {
		c.log.InfoContext(ctx, "session.prepare")
	} else {
		c.log.DebugContext(ctx, "session.prepare.exists")
	}
	return created
}

// Subscribe activates id for this instance, replays anything parked while it
// was prepared and then asks the read-session issuer for access. Issuer
// failures are logged and never fail the subscription.
func (c *Controller) Subscribe(ctx context.Context, id string) error {
	parked, err := c.reg.Activate(id)
	if err != nil {
		if errors.Is(err, ErrConsumed) {
			c.log.InfoContext(c.sessionContext(ctx, id), "session.subscribe.consumed")
		}
		return err
	}
	ctx = c.sessionContext(ctx, id)
	c.log.InfoContext(ctx, "session.subscribe", slog.Int("parked", len(parked)))

	if len(parked) > 0 {
		if c.replayer != nil {
			c.replayer.Replay(ctx, id, parked)
		} else {
			// Nothing can deliver them; end the drain so the session is usable.
			for c.reg.FinishDrain(id) != nil {
			}
		}
	}

	if c.issuer != nil {
		if err := c.issuer.GenerateReadSession(ctx, id); err != nil {
			c.log.WarnContext(ctx, "session.subscribe.read_session.err", slog.String("err", err.Error()))
		}
	}
	return nil
}

// Unsubscribe removes the entry for id. A consumed entry is left for the
// sweep.
func (c *Controller) Unsubscribe(ctx context.Context, id string) {
	if c.reg.Release(id) {
		c.log.InfoContext(c.sessionContext(ctx, id), "session.unsubscribe")
	}
}

// Disconnect removes every entry associated with a closed connection.
func (c *Controller) Disconnect(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if c.reg.Release(id) {
			c.log.InfoContext(c.sessionContext(ctx, id), "session.disconnect")
		}
	}
}

// Sweep runs one eviction pass over the registry and every attached sweeper.
func (c *Controller) Sweep(ctx context.Context, now time.Time) []string {
	evicted := c.reg.Sweep(now)
	for _, s := range c.sweepers {
		s.Sweep(now)
	}
	if len(evicted) > 0 {
		c.log.InfoContext(ctx, "session.sweep", slog.Int("evicted", len(evicted)), slog.Int("remaining", c.reg.Len()))
		if c.onEvict != nil {
			c.onEvict(evicted)
		}
	}
	return evicted
}

// Run schedules the sweep and blocks until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc("@every "+c.interval.String(), func() {
		c.Sweep(ctx, time.Now())
	}); err != nil {
		return err
	}
	sched.Start()
	c.log.InfoContext(ctx, "session.sweep.start", slog.Duration("interval", c.interval))

	<-ctx.Done()
	<-sched.Stop().Done()
	return ctx.Err()
}

func (c *Controller) sessionContext(ctx context.Context, id string) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, State: c.reg.State(id).String()})
}
