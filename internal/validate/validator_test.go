package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsignal/marketstream/pkg/model"
)

func TestNormalize_Valid(t *testing.T) {
	v := New()

	raw := []byte(`{
		"timestamp": "2025-06-01T12:30:00Z",
		"zone": "pjm",
		"price_type": "real_time",
		"location": "WESTERN_HUB",
		"price": 42.15,
		"volume": 1250.5,
		"congestion_cost": 1.25,
		"renewable_percentage": 18.4
	}`)

	ev, err := v.Normalize(raw, "md.prices.v1.pjm")
	require.NoError(t, err)

	assert.Equal(t, "pjm", ev.Zone)
	assert.Equal(t, "real_time", ev.PriceType)
	assert.Equal(t, "WESTERN_HUB", ev.Location)
	assert.Equal(t, "42.15", ev.Price.String())
	assert.Equal(t, "1250.5", ev.Volume.String())
	require.NotNil(t, ev.Congestion)
	assert.Equal(t, "1.25", ev.Congestion.String())
	require.NotNil(t, ev.RenewablePct)
	assert.InDelta(t, 18.4, *ev.RenewablePct, 1e-9)
	assert.Empty(t, ev.Flags)
	assert.NotEmpty(t, ev.EventID)
}

func TestNormalize_ZoneInferredFromSubject(t *testing.T) {
	v := New()

	raw := []byte(`{
		"timestamp": "2025-06-01T12:30:00Z",
		"price_type": "day_ahead",
		"location": "NORTH",
		"price": 30
	}`)

	ev, err := v.Normalize(raw, "md.prices.v1.ercot")
	require.NoError(t, err)
	assert.Equal(t, "ercot", ev.Zone)
}

func TestNormalize_EventIDDeterministic(t *testing.T) {
	v := New()

	raw := []byte(`{
		"timestamp": "2025-06-01T12:30:00Z",
		"zone": "miso",
		"price_type": "real_time",
		"location": "HUB",
		"price": 25.00
	}`)

	a, err := v.Normalize(raw, "md.prices.v1.miso")
	require.NoError(t, err)
	b, err := v.Normalize(raw, "md.prices.v1.miso")
	require.NoError(t, err)
	assert.Equal(t, a.EventID, b.EventID)
}

func TestNormalize_Failures(t *testing.T) {
	v := New()

	cases := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{not json`},
		{"missing timestamp", `{"zone":"pjm","price_type":"real_time","location":"HUB","price":5}`},
		{"bad timestamp", `{"timestamp":"yesterday","zone":"pjm","price_type":"real_time","location":"HUB","price":5}`},
		{"unknown zone", `{"timestamp":"2025-06-01T12:00:00Z","zone":"mars","price_type":"real_time","location":"HUB","price":5}`},
		{"bad price type", `{"timestamp":"2025-06-01T12:00:00Z","zone":"pjm","price_type":"spot","location":"HUB","price":5}`},
		{"missing location", `{"timestamp":"2025-06-01T12:00:00Z","zone":"pjm","price_type":"real_time","price":5}`},
		{"missing price", `{"timestamp":"2025-06-01T12:00:00Z","zone":"pjm","price_type":"real_time","location":"HUB"}`},
		{"price not numeric", `{"timestamp":"2025-06-01T12:00:00Z","zone":"pjm","price_type":"real_time","location":"HUB","price":"abc"}`},
		{"negative volume", `{"timestamp":"2025-06-01T12:00:00Z","zone":"pjm","price_type":"real_time","location":"HUB","price":5,"volume":-1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Normalize([]byte(tc.raw), "md.prices.v1.unrelated")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestNormalize_AnomalyFlagsAreNotFailures(t *testing.T) {
	v := New()

	spike := []byte(`{"timestamp":"2025-06-01T12:00:00Z","zone":"ercot","price_type":"real_time","location":"HUB","price":4500}`)
	ev, err := v.Normalize(spike, "md.prices.v1.ercot")
	require.NoError(t, err)
	assert.True(t, ev.Flagged(model.FlagPriceSpike))
	assert.False(t, ev.Flagged(model.FlagNegativePrice))

	negative := []byte(`{"timestamp":"2025-06-01T12:00:00Z","zone":"ercot","price_type":"real_time","location":"HUB","price":-250.5}`)
	ev, err = v.Normalize(negative, "md.prices.v1.ercot")
	require.NoError(t, err)
	assert.True(t, ev.Flagged(model.FlagNegativePrice))

	// Mildly negative prices are business as usual in energy markets.
	mild := []byte(`{"timestamp":"2025-06-01T12:00:00Z","zone":"ercot","price_type":"real_time","location":"HUB","price":-12}`)
	ev, err = v.Normalize(mild, "md.prices.v1.ercot")
	require.NoError(t, err)
	assert.Empty(t, ev.Flags)
}

func TestNormalize_TimestampMillisecondPrecision(t *testing.T) {
	v := New()

	raw := []byte(`{"timestamp":"2025-06-01T12:00:00.123456789Z","zone":"pjm","price_type":"real_time","location":"HUB","price":5}`)
	ev, err := v.Normalize(raw, "md.prices.v1.pjm")
	require.NoError(t, err)
	assert.Equal(t, int64(123), int64(ev.Timestamp.Nanosecond())/1e6)
	assert.Equal(t, int64(0), int64(ev.Timestamp.Nanosecond())%1e6)
}
