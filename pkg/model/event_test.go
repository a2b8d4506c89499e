package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownZone(t *testing.T) {
	for _, z := range Zones() {
		assert.True(t, KnownZone(z), z)
	}
	assert.False(t, KnownZone("PJM"), "zone matching is case sensitive after normalization")
	assert.False(t, KnownZone(""))
	assert.False(t, KnownZone("narnia"))
}

func TestEventID_Deterministic(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := EventID("pjm", "WESTERN", ts, PriceTypeRealTime)
	b := EventID("pjm", "WESTERN", ts, PriceTypeRealTime)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	// Any identity component changing yields a different id.
	assert.NotEqual(t, a, EventID("caiso", "WESTERN", ts, PriceTypeRealTime))
	assert.NotEqual(t, a, EventID("pjm", "EASTERN", ts, PriceTypeRealTime))
	assert.NotEqual(t, a, EventID("pjm", "WESTERN", ts.Add(time.Millisecond), PriceTypeRealTime))
	assert.NotEqual(t, a, EventID("pjm", "WESTERN", ts, PriceTypeDayAhead))
}

func TestFlagged(t *testing.T) {
	ev := PriceEvent{Flags: []string{FlagPriceSpike}}
	assert.True(t, ev.Flagged(FlagPriceSpike))
	assert.False(t, ev.Flagged(FlagNegativePrice))
	assert.False(t, PriceEvent{}.Flagged(FlagPriceSpike))
}

func TestNewEnvelope(t *testing.T) {
	ev := PriceEvent{
		EventID:   "abc",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Zone:      ZoneERCOT,
		PriceType: PriceTypeRealTime,
		Location:  "HB_NORTH",
		Price:     decimal.NewFromFloat(28.75),
	}

	env, err := NewEnvelope(ev)
	require.NoError(t, err)
	assert.Equal(t, "price.processed", env.EventType)
	assert.Equal(t, ZoneERCOT, env.Zone)
	assert.Equal(t, ValidationOK, env.ValidationStatus)

	var decoded PriceEvent
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, ev.EventID, decoded.EventID)
	assert.True(t, decoded.Price.Equal(ev.Price))
}

func TestNewEnvelope_FlaggedEvent(t *testing.T) {
	env, err := NewEnvelope(PriceEvent{Zone: ZonePJM, Flags: []string{FlagNegativePrice}})
	require.NoError(t, err)
	assert.Equal(t, ValidationFlagged, env.ValidationStatus)
}
