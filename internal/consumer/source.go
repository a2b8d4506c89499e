package consumer

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// InboundMessage is one raw broker message with its acknowledgement hooks.
// Ack commits the message; Nak asks the broker to redeliver it.
type InboundMessage struct {
	Subject string
	Data    []byte
	ack     func() error
	nak     func() error
}

func (m InboundMessage) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

func (m InboundMessage) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// Source yields message batches for one zone subject. An empty batch with a
// nil error means the poll timed out with nothing pending.
type Source interface {
	Subject() string
	Fetch(batch int, maxWait time.Duration) ([]InboundMessage, error)
	Close() error
}

// JetStreamSource is a durable pull subscription bound to one zone subject.
// Exactly one worker consumes a given subject, which preserves per-zone
// ordering end-to-end.
type JetStreamSource struct {
	sub     *nats.Subscription
	subject string
}

// NewJetStreamSource creates the durable pull consumer for subject. The
// durable name ties redelivery to the last explicit ack, so a restarted
// worker resumes from its last committed offset.
func NewJetStreamSource(js nats.JetStreamContext, subject, durable string) (*JetStreamSource, error) {
	sub, err := js.PullSubscribe(subject, durable, nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", subject, err)
	}
	return &JetStreamSource{sub: sub, subject: subject}, nil
}

func (s *JetStreamSource) Subject() string {
	return s.subject
}

func (s *JetStreamSource) Fetch(batch int, maxWait time.Duration) ([]InboundMessage, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]InboundMessage, 0, len(msgs))
	for _, m := range msgs {
		m := m
		out = append(out, InboundMessage{
			Subject: m.Subject,
			Data:    m.Data,
			ack:     func() error { return m.Ack() },
			nak:     func() error { return m.Nak() },
		})
	}
	return out, nil
}

func (s *JetStreamSource) Close() error {
	return s.sub.Unsubscribe()
}
