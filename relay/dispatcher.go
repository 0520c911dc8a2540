// Package relay connects the broadcast bus to local sessions: the Dispatcher
// consumes callback events on every instance and delivers those owned here,
// the Publisher is what producers use to emit them.
package relay

import (
	"context"
	"log/slog"

	"github.com/ggoodman/diary-callbacks/broker"
	"github.com/ggoodman/diary-callbacks/callback"
	"github.com/ggoodman/diary-callbacks/delivery"
	"github.com/ggoodman/diary-callbacks/internal/dedup"
	"github.com/ggoodman/diary-callbacks/internal/logctx"
	"github.com/ggoodman/diary-callbacks/internal/metrics"
	"github.com/ggoodman/diary-callbacks/sessions"
)

// Registry is the subset of *sessions.Registry the Dispatcher needs.
type Registry interface {
	Admit(ev callback.Event) sessions.Admission
	Consume(id string)
	FinishDrain(id string) []callback.Event
	State(id string) sessions.State
}

// Guard is the subset of *dedup.Guard the Dispatcher needs.
type Guard interface {
	Check(ev callback.Event) dedup.Verdict
	Stale(ev callback.Event) bool
}

// Dispatcher routes events from the bus to the local Delivery Channel.
type Dispatcher struct {
	reg   Registry
	guard Guard
	ch    delivery.Channel
	log   *slog.Logger
	m     *metrics.Dispatch
}

func NewDispatcher(reg Registry, guard Guard, ch delivery.Channel, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	return &Dispatcher{
		reg:   reg,
		guard: guard,
		ch:    ch,
		log:   o.log,
		m:     &o.metrics.Dispatch,
	}
}

// Run consumes topic as this instance's group until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, b broker.Broker, topic, group string) error {
	d.log.InfoContext(ctx, "dispatch.run", slog.String("topic", topic), slog.String("group", group))
	return b.Subscribe(ctx, topic, group, d.HandleMessage)
}

// HandleMessage is the broker.MessageHandler for the callback topic. It never
// fails: malformed events are logged and acknowledged like any other.
func (d *Dispatcher) HandleMessage(ctx context.Context, env broker.MessageEnvelope) error {
	ed := &logctx.EventData{ID: env.ID}
	ctx = logctx.WithEventData(ctx, ed)
	d.m.Received.Inc()

	ev, err := callback.Decode(env.Data)
	if err != nil {
		d.m.Dropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		d.log.ErrorContext(ctx, "dispatch.decode.err", slog.String("err", err.Error()))
		return nil
	}
	ed.Type = string(ev.Kind)
	d.OnEvent(ctx, ev)
	return nil
}

// OnEvent applies the freshness and duplicate checks, then delivers ev if
// this instance holds the session.
func (d *Dispatcher) OnEvent(ctx context.Context, ev callback.Event) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: ev.SessionID, State: d.reg.State(ev.SessionID).String()})

	switch d.guard.Check(ev) {
	case dedup.Stale:
		d.m.Dropped.WithLabelValues(metrics.ReasonStale).Inc()
		d.log.DebugContext(ctx, "dispatch.drop.stale", slog.Time("emitted_at", ev.EmittedAt))
		return
	case dedup.Duplicate:
		d.m.Dropped.WithLabelValues(metrics.ReasonDuplicate).Inc()
		d.log.DebugContext(ctx, "dispatch.drop.duplicate")
		return
	}

	switch d.reg.Admit(ev) {
	case sessions.AdmitDrop:
		d.m.Dropped.WithLabelValues(metrics.ReasonNotLocal).Inc()
		return
	case sessions.AdmitParked:
		d.m.Parked.Inc()
		d.log.DebugContext(ctx, "dispatch.park")
		return
	}
	d.deliver(ctx, ev)
}

// Replay implements sessions.Replayer. Parked events passed the duplicate
// check on arrival but are checked for age again, since a session can stay
// prepared for longer than an event stays fresh. They are delivered in order
// until the registry reports the drain is over or the session left the Active
// state.
func (d *Dispatcher) Replay(ctx context.Context, sessionID string, parked []callback.Event) {
	for batch := parked; len(batch) > 0; batch = d.reg.FinishDrain(sessionID) {
		for _, ev := range batch {
			if d.reg.State(sessionID) != sessions.Active {
				d.log.DebugContext(ctx, "dispatch.replay.stop", slog.Int("remaining", len(batch)))
				return
			}
			if d.guard.Stale(ev) {
				d.m.Dropped.WithLabelValues(metrics.ReasonStale).Inc()
				d.log.DebugContext(ctx, "dispatch.replay.drop.stale", slog.Time("emitted_at", ev.EmittedAt))
				continue
			}
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev callback.Event) {
	msg := ev.Payload.Message()
	if d.ch.Send(ctx, ev.SessionID, msg) {
		d.m.Delivered.WithLabelValues(string(ev.Kind)).Inc()
		d.log.InfoContext(ctx, "dispatch.deliver", slog.String("message_type", string(msg.Type)))
	} else {
		d.m.DeliveryFailures.WithLabelValues(string(ev.Kind)).Inc()
		d.log.WarnContext(ctx, "dispatch.deliver.failed", slog.String("message_type", string(msg.Type)))
	}

	if !ev.Terminal() {
		return
	}
	// Terminal events close the session even when the push failed; a client
	// that lost it must not receive a replay.
	d.reg.Consume(ev.SessionID)
	d.m.Consumed.Inc()
	d.ch.Send(ctx, ev.SessionID, callback.DisconnectRequest())
	d.log.InfoContext(ctx, "dispatch.consume")
}

var _ sessions.Replayer = (*Dispatcher)(nil)
