package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gridsignal/marketstream/internal/metrics"
	"github.com/gridsignal/marketstream/internal/ratelimit"
	"github.com/gridsignal/marketstream/pkg/model"
)

// SnapshotReader supplies the initial_data snapshot for new subscribers.
type SnapshotReader interface {
	GetZoneLatest(ctx context.Context, zone string) (*model.PriceEvent, error)
}

// HistoryReader serves request_price_history.
type HistoryReader interface {
	PriceHistory(ctx context.Context, zone string, hours int) ([]model.PriceEvent, error)
}

// RateChecker gates subscriber actions. Nil disables gating.
type RateChecker interface {
	Check(ctx context.Context, tenantID, endpoint string) (ratelimit.Decision, error)
}

// Options carries the hub tunables.
type Options struct {
	SendBuffer  int
	SendTimeout time.Duration
	PingTimeout time.Duration
	ReadLimit   int64
}

// Hub owns the subscription registry and fans accepted events out to every
// matching live connection. Each connection has its own send path, so one
// slow subscriber never delays another and never delays consumer workers.
type Hub struct {
	registry *Registry
	snapshot SnapshotReader
	history  HistoryReader
	limiter  RateChecker

	sendBuffer  int
	sendTimeout time.Duration
	pingTimeout time.Duration
	readLimit   int64

	logger *zap.Logger
}

// NewHub builds a hub around an injected registry.
func NewHub(registry *Registry, snapshot SnapshotReader, history HistoryReader,
	limiter RateChecker, opts Options, logger *zap.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 60 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:    registry,
		snapshot:    snapshot,
		history:     history,
		limiter:     limiter,
		sendBuffer:  opts.SendBuffer,
		sendTimeout: opts.SendTimeout,
		pingTimeout: opts.PingTimeout,
		readLimit:   opts.ReadLimit,
		logger:      logger,
	}
}

// Subscribe registers a new connection for the given zones, sends the
// connection_established greeting plus per-zone snapshots, and starts the
// connection's pumps. The returned subscription is Active.
func (h *Hub) Subscribe(ctx context.Context, conn *websocket.Conn, zones []string, tenantID string) *Subscription {
	sub := newSubscription(h, conn, zones, tenantID)

	sub.enqueue("", marshalMessage(serverMessage{
		Type:  TypeConnectionEstablished,
		Zones: zones,
	}))

	// Snapshot from the latest-value cache; an empty zone sends nothing so
	// clients can rely on absence meaning "no update in the freshness
	// window".
	for _, zone := range zones {
		ev, err := h.snapshot.GetZoneLatest(ctx, zone)
		if err != nil {
			metrics.IncError("ws", "snapshot_failed")
			h.logger.Warn("ws.snapshot_failed", zap.String("zone", zone), zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}
		sub.enqueue(zone, marshalMessage(serverMessage{
			Type: TypeInitialData,
			Zone: zone,
			Data: ev,
		}))
	}

	h.registry.Add(sub)
	for _, zone := range zones {
		metrics.ActiveSubscriptions.WithLabelValues(zone).Inc()
	}

	go sub.writePump()
	go sub.readPump()

	h.logger.Info("ws.subscribed",
		zap.String("subscription", sub.ID.String()),
		zap.Strings("zones", zones),
		zap.String("tenant", tenantID))
	return sub
}

// Unsubscribe tears a subscription down on behalf of the server (shutdown,
// admin action).
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.unsubscribe(sub, "server_closed")
}

func (h *Hub) unsubscribe(sub *Subscription, reason string) {
	h.registry.Remove(sub)
	sub.close()
	h.logger.Info("ws.unsubscribed",
		zap.String("subscription", sub.ID.String()),
		zap.String("reason", reason),
		zap.Int64("dropped", sub.Dropped()))
}

// finish releases connection resources once the write pump exits (Closed).
func (h *Hub) finish(sub *Subscription) {
	h.registry.Remove(sub)
	_ = sub.conn.Close()
	for _, zone := range sub.Zones {
		metrics.ActiveSubscriptions.WithLabelValues(zone).Dec()
	}
}

// Broadcast delivers an accepted event to every Active subscription in the
// zone's bucket, in acceptance order. Per-connection send errors are
// isolated inside each connection's writer.
func (h *Hub) Broadcast(zone string, ev model.PriceEvent) {
	update := priceUpdateMessage(zone, ev)
	var alert []byte
	if len(ev.Flags) > 0 {
		alert = marketAlertMessage(zone, ev)
	}

	h.registry.ForEach(zone, func(sub *Subscription) {
		sub.enqueue(zone, update)
		if alert != nil {
			sub.enqueue(zone, alert)
		}
	})
	metrics.IncBroadcast(zone)
}

// SubscriberCount reports the active subscriptions for a zone.
func (h *Hub) SubscriberCount(zone string) int {
	return h.registry.Count(zone)
}

// handleClientMessage services ping and history requests from a subscriber.
func (h *Hub) handleClientMessage(sub *Subscription, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sub.enqueue("", errorMessage("malformed message"))
		return
	}

	switch msg.Type {
	case TypePing:
		sub.enqueue("", marshalMessage(serverMessage{Type: TypePong}))

	case TypeHistoryRequest:
		h.handleHistoryRequest(sub, msg)

	default:
		sub.enqueue("", errorMessage("unknown message type: "+msg.Type))
	}
}

// handleHistoryRequest serves an explicit replay. It is the one subscriber
// action that can touch durable storage, so it passes through the rate
// limiter first.
func (h *Hub) handleHistoryRequest(sub *Subscription, msg clientMessage) {
	zone := msg.Zone
	if zone == "" && len(sub.Zones) == 1 {
		zone = sub.Zones[0]
	}
	if !model.KnownZone(zone) {
		sub.enqueue("", errorMessage("unknown zone"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
	defer cancel()

	if h.limiter != nil {
		dec, err := h.limiter.Check(ctx, sub.TenantID, "price_history")
		if err != nil {
			metrics.IncError("ws", "rate_check_failed")
		} else if !dec.Allowed {
			sub.enqueue("", errorMessage(dec.Reason))
			return
		}
	}

	if h.history == nil {
		sub.enqueue("", errorMessage("history unavailable"))
		return
	}
	events, err := h.history.PriceHistory(ctx, zone, msg.Hours)
	if err != nil {
		metrics.IncError("ws", "history_failed")
		sub.enqueue("", errorMessage("history unavailable"))
		return
	}

	sub.enqueue(zone, marshalMessage(serverMessage{
		Type:    TypePriceHistory,
		Zone:    zone,
		History: events,
	}))
}
