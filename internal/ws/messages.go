package ws

import (
	"encoding/json"
	"time"

	"github.com/gridsignal/marketstream/pkg/model"
)

// Server-to-client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeInitialData           = "initial_data"
	TypePriceUpdate           = "price_update"
	TypeMarketAlert           = "market_alert"
	TypePriceHistory          = "price_history"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Client-to-server message types.
const (
	TypePing           = "ping"
	TypeHistoryRequest = "request_price_history"
)

// serverMessage is the envelope pushed to subscribers.
type serverMessage struct {
	Type      string            `json:"type"`
	Zone      string            `json:"zone,omitempty"`
	Zones     []string          `json:"zones,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      *model.PriceEvent `json:"data,omitempty"`
	History   []model.PriceEvent `json:"history,omitempty"`
	Flags     []string          `json:"flags,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// clientMessage is what subscribers may send after connecting.
type clientMessage struct {
	Type  string `json:"type"`
	Zone  string `json:"zone,omitempty"`
	Hours int    `json:"hours,omitempty"`
}

func marshalMessage(m serverMessage) []byte {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, _ := json.Marshal(m)
	return data
}

func priceUpdateMessage(zone string, ev model.PriceEvent) []byte {
	return marshalMessage(serverMessage{
		Type: TypePriceUpdate,
		Zone: zone,
		Data: &ev,
	})
}

func marketAlertMessage(zone string, ev model.PriceEvent) []byte {
	return marshalMessage(serverMessage{
		Type:  TypeMarketAlert,
		Zone:  zone,
		Data:  &ev,
		Flags: ev.Flags,
	})
}

func errorMessage(msg string) []byte {
	return marshalMessage(serverMessage{
		Type:  TypeError,
		Error: msg,
	})
}
