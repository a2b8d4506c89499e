package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetPut(t *testing.T) {
	c := New[string](time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("plan:acme", "premium")
	v, ok := c.Get("plan:acme")
	assert.True(t, ok)
	assert.Equal(t, "premium", v)

	c.Put("plan:acme", "enterprise")
	v, _ = c.Get("plan:acme")
	assert.Equal(t, "enterprise", v)
}

func TestExpiry(t *testing.T) {
	c := New[int](10 * time.Millisecond)
	c.Put("k", 7)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestBust(t *testing.T) {
	c := New[string](time.Minute)
	c.Put("k", "v")
	c.Bust("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCleaner(t *testing.T) {
	c := New[int](5 * time.Millisecond)
	c.Put("a", 1)
	c.Put("b", 2)

	stop := make(chan struct{})
	go c.StartCleaner(10*time.Millisecond, stop)
	defer close(stop)

	assert.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.data) == 0
	}, time.Second, 10*time.Millisecond)
}
