// Package broadcast forwards credential events from the in-process bus to
// external sinks: a NATS subject, an AMQP queue and websocket clients.
//
// Token values never leave the process. A tokens.refreshed envelope carries the
// masked access-token prefix and its expiry only.
package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gamedeck/panel-gateway/internal/metrics"
	"github.com/gamedeck/panel-gateway/pkg/eventbus"
	"github.com/gamedeck/panel-gateway/pkg/model"
	"github.com/gamedeck/panel-gateway/pkg/utils"
)

const sendTimeout = 5 * time.Second

// Sink delivers one serialized envelope.
type Sink interface {
	Name() string
	Send(ctx context.Context, env model.Envelope, data []byte) error
}

// RefreshedPayload is the external form of model.TokensRefreshedEvent.
type RefreshedPayload struct {
	Reason       string     `json:"reason"`
	AccessPrefix string     `json:"access_prefix"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// NewEnvelope wraps a bus event for publication. ok is false for event types that
// are not forwarded.
func NewEnvelope(service string, event any) (model.Envelope, bool) {
	env := model.Envelope{
		ID:      uuid.NewString(),
		Service: service,
	}

	switch e := event.(type) {
	case *model.TokensRefreshedEvent:
		if e == nil {
			return model.Envelope{}, false
		}
		return NewEnvelope(service, *e)
	case model.TokensRefreshedEvent:
		env.Type = model.EventTokensRefreshed
		env.OccurredAt = e.Timestamp
		env.Payload = RefreshedPayload{
			Reason:       e.Reason,
			AccessPrefix: utils.MaskToken(e.Pair.AccessToken),
			ExpiresAt:    e.ExpiresAt,
		}
	case *model.LoggedOutEvent:
		if e == nil {
			return model.Envelope{}, false
		}
		return NewEnvelope(service, *e)
	case model.LoggedOutEvent:
		env.Type = model.EventLoggedOut
		env.OccurredAt = e.Timestamp
		env.Payload = e
	default:
		return model.Envelope{}, false
	}

	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	return env, true
}

// Forwarder subscribes to credential events and fans them out to every sink.
type Forwarder struct {
	logger  *zap.Logger
	service string
	sinks   []Sink
	unsub   []func()
}

// NewForwarder subscribes to bus and returns the running Forwarder.
func NewForwarder(bus *eventbus.Bus, service string, logger *zap.Logger, sinks ...Sink) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Forwarder{logger: logger, service: service, sinks: sinks}
	f.unsub = append(f.unsub,
		bus.Subscribe(model.TokensRefreshedEvent{}, f.handle),
		bus.Subscribe(model.LoggedOutEvent{}, f.handle),
	)
	return f
}

func (f *Forwarder) handle(event any) {
	env, ok := NewEnvelope(f.service, event)
	if !ok {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		f.logger.Error("broadcast.marshal_failed", zap.String("type", env.Type), zap.Error(err))
		return
	}

	for _, s := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.Send(ctx, env, data)
		cancel()
		if err != nil {
			metrics.IncBroadcast(s.Name(), "error")
			f.logger.Warn("broadcast.send_failed",
				zap.String("sink", s.Name()),
				zap.String("type", env.Type),
				zap.Error(err))
			continue
		}
		metrics.IncBroadcast(s.Name(), "ok")
		f.logger.Debug("broadcast.sent", zap.String("sink", s.Name()), zap.String("type", env.Type))
	}
}

// Close unsubscribes from the bus. Sinks are closed by their owners.
func (f *Forwarder) Close() {
	for _, u := range f.unsub {
		u()
	}
	f.unsub = nil
}
