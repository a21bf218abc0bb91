package broadcast

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/gamedeck/panel-gateway/pkg/model"
)

// msgPublisher is the subset of *nats.Conn used by NATSSink.
type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSink publishes envelopes on a single NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	pub     msgPublisher
	subject string
	service string
}

// NewNATSSink publishes on subject using nc.
func NewNATSSink(nc *nats.Conn, subject, service string) *NATSSink {
	return &NATSSink{nc: nc, pub: nc, subject: subject, service: service}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(_ context.Context, env model.Envelope, data []byte) error {
	msg := &nats.Msg{
		Subject: s.subject,
		Data:    data,
		Header: nats.Header{
			"event_type":   []string{env.Type},
			"event_id":     []string{env.ID},
			"service":      []string{s.service},
			"content_type": []string{"application/json"},
		},
	}
	return s.pub.PublishMsg(msg)
}

// Connected reports whether the underlying connection is up.
func (s *NATSSink) Connected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

func (s *NATSSink) Close() {
	if s.nc != nil && s.nc.IsConnected() {
		s.nc.Close()
	}
}
