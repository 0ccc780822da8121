package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGetFreshEntry(t *testing.T) {
	c := New(nil)
	c.Set(context.Background(), PriceKey("BTCUSDT"), 65000.5, 0)

	v, ok := c.Get(PriceKey("BTCUSDT"), 30*time.Second)
	assert.True(t, ok)
	assert.Equal(t, 65000.5, v)
}

func TestGetStaleEntryMisses(t *testing.T) {
	c := New(nil)
	c.mu.Lock()
	c.data[PriceKey("ETHUSDT")] = entry{value: 3000.0, insertedAt: time.Now().Add(-time.Minute)}
	c.mu.Unlock()

	_, ok := c.Get(PriceKey("ETHUSDT"), 30*time.Second)
	assert.False(t, ok)
}

func TestGetMissingKey(t *testing.T) {
	c := New(nil)
	_, ok := c.Get("price:UNKNOWN", 30*time.Second)
	assert.False(t, ok)
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := New(nil)
	c.Set(context.Background(), BalancesKey, map[string]float64{"USDT": 100}, 0)
	c.Delete(BalancesKey)

	_, ok := c.Get(BalancesKey, time.Hour)
	assert.False(t, ok)
}

// memMirror is an in-memory stand-in for a RedisMirror, used to
// exercise GetOrMirror without a real Redis connection.
type memMirror struct {
	data map[string][]byte
}

func newMemMirror() *memMirror { return &memMirror{data: map[string][]byte{}} }

func (m *memMirror) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *memMirror) Get(ctx context.Context, key string) ([]byte, error) {
	return m.data[key], nil
}

func TestGetOrMirrorFallsBackAndWarmsLocalCache(t *testing.T) {
	mirror := newMemMirror()
	c := New(mirror)
	c.Set(context.Background(), PriceKey("BTCUSDT"), map[string]float64{"price": 65000.5}, time.Hour)

	warm := New(mirror)
	var out map[string]float64
	ok := warm.GetOrMirror(context.Background(), PriceKey("BTCUSDT"), 30*time.Second, &out)
	assert.True(t, ok)
	assert.Equal(t, 65000.5, out["price"])

	_, localOK := warm.Get(PriceKey("BTCUSDT"), 30*time.Second)
	assert.True(t, localOK, "a mirror hit should repopulate the local cache")
}

func TestGetOrMirrorMissesWithoutMirror(t *testing.T) {
	c := New(nil)
	var out map[string]float64
	ok := c.GetOrMirror(context.Background(), PriceKey("UNKNOWN"), 30*time.Second, &out)
	assert.False(t, ok)
}
