package dedup

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/gridsignal/marketstream/pkg/model"
)

// entry is one remembered (event id, price) pair inside a location window.
type entry struct {
	id    string
	price decimal.Decimal
}

// window is a fixed-capacity ring over the most recent accepted entries for
// one (zone, location). Entries age out by capacity, not by wall-clock.
type window struct {
	entries []entry
	next    int
	filled  bool
}

func newWindow(capacity int) *window {
	return &window{entries: make([]entry, capacity)}
}

func (w *window) contains(id string, price, epsilon decimal.Decimal) bool {
	n := w.next
	if w.filled {
		n = len(w.entries)
	}
	for i := 0; i < n; i++ {
		e := w.entries[i]
		if e.id == id && e.price.Sub(price).Abs().LessThanOrEqual(epsilon) {
			return true
		}
	}
	return false
}

func (w *window) insert(id string, price decimal.Decimal) {
	w.entries[w.next] = entry{id: id, price: price}
	w.next++
	if w.next == len(w.entries) {
		w.next = 0
		w.filled = true
	}
}

// sample is a bounded trailing sample of accepted prices for one zone,
// maintained incrementally so stats reads are O(1).
type sample struct {
	prices []float64
	next   int
	filled bool
	sum    float64
	sumSq  float64
}

func newSample(capacity int) *sample {
	return &sample{prices: make([]float64, capacity)}
}

func (s *sample) add(p float64) {
	if s.filled {
		old := s.prices[s.next]
		s.sum -= old
		s.sumSq -= old * old
	}
	s.prices[s.next] = p
	s.sum += p
	s.sumSq += p * p
	s.next++
	if s.next == len(s.prices) {
		s.next = 0
		s.filled = true
	}
}

func (s *sample) size() int {
	if s.filled {
		return len(s.prices)
	}
	return s.next
}

// Deduplicator drops repeated events and maintains rolling per-zone
// aggregates over the trailing accepted sample. It is single-writer: each
// consumer worker owns one instance for its zone set and no locking is used.
type Deduplicator struct {
	windowSize int
	sampleSize int
	epsilon    decimal.Decimal
	windows    map[string]*window // keyed zone|location
	samples    map[string]*sample // keyed zone
}

// New creates a Deduplicator. windowSize bounds the per-location id memory;
// sampleSize bounds the per-zone stats sample; epsilon is the price distance
// under which a repeated id counts as the same tick.
func New(windowSize, sampleSize int, epsilon float64) *Deduplicator {
	if windowSize <= 0 {
		windowSize = 10
	}
	if sampleSize <= 0 {
		sampleSize = 100
	}
	return &Deduplicator{
		windowSize: windowSize,
		sampleSize: sampleSize,
		epsilon:    decimal.NewFromFloat(epsilon),
		windows:    make(map[string]*window),
		samples:    make(map[string]*sample),
	}
}

// Accept reports whether ev is a duplicate of a recently seen event. On
// first sight the event is recorded and the zone aggregates are updated;
// duplicates leave all state untouched.
func (d *Deduplicator) Accept(ev model.PriceEvent) (isDuplicate bool) {
	key := ev.Zone + "|" + ev.Location
	w, ok := d.windows[key]
	if !ok {
		w = newWindow(d.windowSize)
		d.windows[key] = w
	}
	if w.contains(ev.EventID, ev.Price, d.epsilon) {
		return true
	}
	w.insert(ev.EventID, ev.Price)

	s, ok := d.samples[ev.Zone]
	if !ok {
		s = newSample(d.sampleSize)
		d.samples[ev.Zone] = s
	}
	s.add(ev.Price.InexactFloat64())
	return false
}

// Stats returns the rolling aggregates for a zone over its trailing sample.
// Volatility is the sample standard deviation.
func (d *Deduplicator) Stats(zone string) model.ZoneStats {
	st := model.ZoneStats{Zone: zone}
	s, ok := d.samples[zone]
	if !ok || s.size() == 0 {
		return st
	}

	n := s.size()
	st.Count = n
	st.Avg = s.sum / float64(n)

	st.Min = math.Inf(1)
	st.Max = math.Inf(-1)
	for i := 0; i < n; i++ {
		p := s.prices[i]
		if p < st.Min {
			st.Min = p
		}
		if p > st.Max {
			st.Max = p
		}
	}

	if n > 1 {
		variance := (s.sumSq - s.sum*s.sum/float64(n)) / float64(n-1)
		if variance > 0 {
			st.StdDev = math.Sqrt(variance)
		}
	}
	return st
}
