package ws

import (
	"sync"

	"github.com/google/uuid"
)

// Bucket holds the subscriptions interested in one zone. The locking
// strategy behind it is an implementation choice, not part of the contract.
type Bucket interface {
	Add(sub *Subscription)
	Remove(sub *Subscription)
	ForEach(fn func(sub *Subscription))
	Len() int
}

type lockedBucket struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

func newLockedBucket() *lockedBucket {
	return &lockedBucket{subs: make(map[uuid.UUID]*Subscription)}
}

func (b *lockedBucket) Add(sub *Subscription) {
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
}

func (b *lockedBucket) Remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
}

func (b *lockedBucket) ForEach(fn func(sub *Subscription)) {
	b.mu.RLock()
	snapshot := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

func (b *lockedBucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Registry tracks live subscriptions grouped by zone. A subscription
// interested in several zones is referenced from each zone's bucket; the
// buckets never own the subscription.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]Bucket
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]Bucket)}
}

func (r *Registry) bucket(zone string) Bucket {
	r.mu.RLock()
	b, ok := r.buckets[zone]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[zone]; ok {
		return b
	}
	b = newLockedBucket()
	r.buckets[zone] = b
	return b
}

// Add registers sub in every zone bucket it is interested in.
func (r *Registry) Add(sub *Subscription) {
	for _, zone := range sub.Zones {
		r.bucket(zone).Add(sub)
	}
}

// Remove deregisters sub from all its zone buckets.
func (r *Registry) Remove(sub *Subscription) {
	for _, zone := range sub.Zones {
		r.bucket(zone).Remove(sub)
	}
}

// ForEach visits every subscription currently registered for zone.
func (r *Registry) ForEach(zone string, fn func(sub *Subscription)) {
	r.bucket(zone).ForEach(fn)
}

// Count returns the number of subscriptions registered for zone.
func (r *Registry) Count(zone string) int {
	return r.bucket(zone).Len()
}
