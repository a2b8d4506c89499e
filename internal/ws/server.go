package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gridsignal/marketstream/internal/metrics"
	"github.com/gridsignal/marketstream/pkg/model"
)

// Server terminates the live subscriber protocol: one persistent websocket
// per client, zones supplied at connect time.
type Server struct {
	hub      *Hub
	limiter  RateChecker
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer builds the websocket endpoint handler.
func NewServer(hub *Hub, limiter RateChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:     hub,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			// Browser origin policy is enforced by the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handler returns the HTTP handler for the /ws endpoint. Clients pass
// ?zones=pjm,caiso (or ?zone=pjm) and an optional tenant identifier via
// X-Tenant-ID or bearer credential.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zones, err := parseZones(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tenantID := tenantFrom(r)

		if s.limiter != nil {
			dec, cerr := s.limiter.Check(r.Context(), tenantID, "ws_connect")
			if cerr != nil {
				metrics.IncError("ws", "rate_check_failed")
			} else if !dec.Allowed {
				http.Error(w, dec.Reason, http.StatusTooManyRequests)
				return
			}
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			metrics.IncError("ws", "upgrade_failed")
			s.logger.Warn("ws.upgrade_failed", zap.Error(err))
			return
		}

		s.hub.Subscribe(context.Background(), conn, zones, tenantID)
	}
}

type zoneError string

func (e zoneError) Error() string { return string(e) }

func parseZones(r *http.Request) ([]string, error) {
	raw := r.URL.Query().Get("zones")
	if raw == "" {
		raw = r.URL.Query().Get("zone")
	}
	if raw == "" {
		return nil, zoneError("zone parameter required")
	}

	var zones []string
	for _, z := range strings.Split(raw, ",") {
		z = strings.ToLower(strings.TrimSpace(z))
		if z == "" {
			continue
		}
		if !model.KnownZone(z) {
			return nil, zoneError("unknown zone: " + z)
		}
		zones = append(zones, z)
	}
	if len(zones) == 0 {
		return nil, zoneError("zone parameter required")
	}
	return zones, nil
}

func tenantFrom(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	if t := r.URL.Query().Get("tenant"); t != "" {
		return t
	}
	return "anonymous"
}
