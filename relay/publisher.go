package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/diary-callbacks/broker"
	"github.com/ggoodman/diary-callbacks/callback"
	"github.com/ggoodman/diary-callbacks/internal/metrics"
)

// Publisher emits callback events onto the bus, keyed by session id so every
// instance sees a session's events in publish order.
type Publisher struct {
	b     broker.Broker
	topic string
	opts  options
	m     *metrics.Publish
}

func NewPublisher(b broker.Broker, topic string, opts ...Option) *Publisher {
	o := buildOptions(opts)
	return &Publisher{b: b, topic: topic, opts: o, m: &o.metrics.Publish}
}

// PublishCallback stamps the event with the current time and publishes it.
// Invalid data fails with callback.ErrMalformed; transport failures are
// returned wrapped.
func (p *Publisher) PublishCallback(ctx context.Context, sessionID string, kind callback.Kind, data any) (string, error) {
	ev, err := callback.NewEvent(sessionID, kind, data, p.opts.now())
	if err != nil {
		return "", err
	}
	body, err := callback.Encode(ev)
	if err != nil {
		return "", err
	}
	eventID, err := p.b.Publish(ctx, p.topic, sessionID, body)
	if err != nil {
		p.m.Failures.WithLabelValues(string(kind)).Inc()
		p.opts.log.ErrorContext(ctx, "publish.callback.err",
			slog.String("session_id", sessionID),
			slog.String("type", string(kind)),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("publish %s callback for session %s: %w", kind, sessionID, err)
	}
	p.m.Published.WithLabelValues(string(kind)).Inc()
	p.opts.log.InfoContext(ctx, "publish.callback",
		slog.String("session_id", sessionID),
		slog.String("type", string(kind)),
		slog.String("event_id", eventID),
	)
	return eventID, nil
}

// PublishQuestion reports generated follow-up questions.
func (p *Publisher) PublishQuestion(ctx context.Context, sessionID string, questions []callback.QuestionItem) (string, error) {
	return p.PublishCallback(ctx, sessionID, callback.KindQuestion, callback.QuestionPayload{
		Status:    callback.StatusSuccess,
		Questions: questions,
	})
}

// PublishAnalysisComplete reports a finished image analysis.
func (p *Publisher) PublishAnalysisComplete(ctx context.Context, sessionID, summary string, questions []callback.QuestionItem) (string, error) {
	return p.PublishCallback(ctx, sessionID, callback.KindAnalysisComplete, callback.AnalysisCompletePayload{
		Status:            callback.StatusSuccess,
		OverallDaySummary: summary,
		Questions:         questions,
	})
}

// PublishDigestComplete reports a rendered digest.
func (p *Publisher) PublishDigestComplete(ctx context.Context, sessionID, content string) (string, error) {
	return p.PublishCallback(ctx, sessionID, callback.KindDigestComplete, callback.DigestCompletePayload{
		Status:        callback.StatusSuccess,
		DigestContent: content,
	})
}

// PublishError reports a worker failure.
func (p *Publisher) PublishError(ctx context.Context, sessionID, serviceType, message string) (string, error) {
	return p.PublishCallback(ctx, sessionID, callback.KindError, callback.ErrorPayload{
		Status:       callback.StatusError,
		ErrorMessage: message,
		ServiceType:  serviceType,
	})
}
