package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridsignal/marketstream/internal/metrics"
	"github.com/gridsignal/marketstream/pkg/model"
)

// ErrValidation marks a raw message that failed normalization. Such messages
// are dropped and counted, never retried.
var ErrValidation = errors.New("validation failed")

// rawMessage mirrors the flat inbound broker payload.
type rawMessage struct {
	Timestamp    string           `json:"timestamp"`
	Zone         string           `json:"zone"`
	PriceType    string           `json:"price_type"`
	Location     string           `json:"location"`
	Price        *decimal.Decimal `json:"price"`
	Volume       *decimal.Decimal `json:"volume"`
	Congestion   *decimal.Decimal `json:"congestion_cost"`
	LossCost     *decimal.Decimal `json:"loss_cost"`
	RenewablePct *float64         `json:"renewable_percentage"`
	LoadForecast *decimal.Decimal `json:"load_forecast"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Validator normalizes raw broker payloads into canonical price events.
// It is a pure function layer: no I/O beyond the validation-error counter.
type Validator struct {
	negativeThreshold decimal.Decimal
	spikeThreshold    decimal.Decimal
}

// New creates a Validator with the advisory anomaly thresholds.
func New() *Validator {
	return &Validator{
		negativeThreshold: decimal.NewFromInt(-100),
		spikeThreshold:    decimal.NewFromInt(1000),
	}
}

// Normalize validates raw and produces the canonical event. The subject the
// message arrived on supplies the zone when the payload omits it. Anomalous
// but well-formed prices are flagged and still returned; only malformed
// messages fail.
func (v *Validator) Normalize(raw []byte, subject string) (model.PriceEvent, error) {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fail(zoneFromSubject(subject), "malformed_json", err)
	}

	zone := msg.Zone
	if zone == "" {
		zone = zoneFromSubject(subject)
	}
	zone = strings.ToLower(zone)
	if zone == "" {
		return fail("unknown", "missing_zone", errors.New("no zone in payload or subject"))
	}
	if !model.KnownZone(zone) {
		return fail("unknown", "unknown_zone", fmt.Errorf("zone %q not in deployed set", zone))
	}

	if msg.Timestamp == "" {
		return fail(zone, "missing_timestamp", errors.New("timestamp required"))
	}
	ts, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return fail(zone, "bad_timestamp", err)
	}

	if msg.PriceType != model.PriceTypeRealTime && msg.PriceType != model.PriceTypeDayAhead {
		return fail(zone, "bad_price_type", fmt.Errorf("price_type %q", msg.PriceType))
	}
	if msg.Location == "" {
		return fail(zone, "missing_location", errors.New("location required"))
	}
	if msg.Price == nil {
		return fail(zone, "missing_price", errors.New("price required"))
	}

	volume := decimal.Zero
	if msg.Volume != nil {
		if msg.Volume.IsNegative() {
			return fail(zone, "negative_volume", fmt.Errorf("volume %s", msg.Volume))
		}
		volume = *msg.Volume
	}

	ev := model.PriceEvent{
		EventID:      model.EventID(zone, msg.Location, ts, msg.PriceType),
		Timestamp:    ts,
		Zone:         zone,
		PriceType:    msg.PriceType,
		Location:     msg.Location,
		Price:        *msg.Price,
		Volume:       volume,
		Congestion:   msg.Congestion,
		LossCost:     msg.LossCost,
		RenewablePct: msg.RenewablePct,
		LoadForecast: msg.LoadForecast,
	}

	// Advisory anomaly tagging, distinct from validation failure.
	if msg.Price.LessThan(v.negativeThreshold) {
		ev.Flags = append(ev.Flags, model.FlagNegativePrice)
	}
	if msg.Price.GreaterThan(v.spikeThreshold) {
		ev.Flags = append(ev.Flags, model.FlagPriceSpike)
	}

	return ev, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

// zoneFromSubject extracts the zone from the versioned topic-per-zone
// convention (md.prices.v1.<zone>).
func zoneFromSubject(subject string) string {
	if i := strings.LastIndex(subject, "."); i >= 0 {
		return subject[i+1:]
	}
	return ""
}

func fail(zone, reason string, err error) (model.PriceEvent, error) {
	metrics.IncValidationError(zone, reason)
	return model.PriceEvent{}, fmt.Errorf("%w: %s: %v", ErrValidation, reason, err)
}
