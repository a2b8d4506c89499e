package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market zones form a closed set known at deploy time. Inbound subjects are
// named per zone (md.prices.v1.<zone>) and the zone is the sharding key
// end-to-end.
const (
	ZoneERCOT = "ercot"
	ZonePJM   = "pjm"
	ZoneCAISO = "caiso"
	ZoneMISO  = "miso"
	ZoneNYISO = "nyiso"
	ZoneISONE = "isone"
	ZoneSPP   = "spp"
)

var knownZones = map[string]struct{}{
	ZoneERCOT: {},
	ZonePJM:   {},
	ZoneCAISO: {},
	ZoneMISO:  {},
	ZoneNYISO: {},
	ZoneISONE: {},
	ZoneSPP:   {},
}

// KnownZone reports whether zone belongs to the deployed market set.
func KnownZone(zone string) bool {
	_, ok := knownZones[zone]
	return ok
}

// Zones returns the closed market zone set.
func Zones() []string {
	return []string{ZoneERCOT, ZonePJM, ZoneCAISO, ZoneMISO, ZoneNYISO, ZoneISONE, ZoneSPP}
}

// Price type tags.
const (
	PriceTypeRealTime = "real_time"
	PriceTypeDayAhead = "day_ahead"
)

// Anomaly flags carried as advisory metadata on an event. Flagged events are
// still forwarded; they additionally surface as market_alert messages.
const (
	FlagNegativePrice = "negative_price"
	FlagPriceSpike    = "price_spike"
)

// PriceEvent is the canonical, validated representation of one price/volume
// update. It is constructed once by the validator and never mutated; all
// downstream components receive it by value.
type PriceEvent struct {
	EventID      string           `json:"event_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Zone         string           `json:"zone"`
	PriceType    string           `json:"price_type"`
	Location     string           `json:"location"`
	Price        decimal.Decimal  `json:"price"`
	Volume       decimal.Decimal  `json:"volume"`
	Congestion   *decimal.Decimal `json:"congestion_cost,omitempty"`
	LossCost     *decimal.Decimal `json:"loss_cost,omitempty"`
	RenewablePct *float64         `json:"renewable_percentage,omitempty"`
	LoadForecast *decimal.Decimal `json:"load_forecast,omitempty"`
	Flags        []string         `json:"flags,omitempty"`
}

// EventID derives the deterministic dedup identity for a price update.
// Two messages carrying the same zone/location/timestamp/price-type map to
// the same id regardless of delivery count.
func EventID(zone, location string, ts time.Time, priceType string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", zone, location, ts.UnixMilli(), priceType)))
	return hex.EncodeToString(h[:16])
}

// Flagged reports whether the event carries the given anomaly flag.
func (e PriceEvent) Flagged(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ZoneStats is the rolling per-zone aggregate over the trailing accepted
// sample, served by the read-only query path.
type ZoneStats struct {
	Zone   string  `json:"zone"`
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"stddev"`
}
