package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gridsignal/marketstream/internal/metrics"
	"github.com/gridsignal/marketstream/pkg/logger"
	"github.com/gridsignal/marketstream/pkg/model"
)

// Publisher emits processed-event envelopes to the outbound audit topic.
// It is an optional secondary path: downstream replay consumers subscribe
// to the processed subject, never to the raw inbound one.
type Publisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	service string
}

// New creates a Publisher with JetStream enabled.
func New(nc *nats.Conn, subject, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:      nc,
		js:      js,
		subject: subject,
		service: service,
	}, nil
}

// PublishProcessed wraps an accepted event in an envelope and publishes it
// to the processed topic, suffixed per zone so replay consumers can filter.
func (p *Publisher) PublishProcessed(ctx context.Context, ev model.PriceEvent) error {
	env, err := model.NewEnvelope(ev)
	if err != nil {
		metrics.IncError("publisher", "envelope_failed")
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", p.subject,
			"zone", ev.Zone,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: p.subject + "." + ev.Zone,
		Data:    data,
		Header: nats.Header{
			"event_type":        []string{env.EventType},
			"correlation_id":    []string{env.CorrelationID.String()},
			"service":           []string{p.service},
			"content_type":      []string{"application/json"},
			"validation_status": []string{env.ValidationStatus},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", msg.Subject,
			"zone", ev.Zone,
			"error", err,
		)
		metrics.IncError("publisher", "publish_failed")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", msg.Subject,
		"zone", ev.Zone,
		"elapsed", time.Since(start),
	)
	return nil
}

// Close releases the connection if still open.
func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
