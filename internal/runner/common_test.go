package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/cache"
)

// memMirror is an in-memory stand-in for a RedisMirror.
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

// TestPriceWithFallbackUsesMirrorBeforeREST simulates a fresh process
// whose local price cache is empty but whose Redis mirror still holds
// the last price a previous process wrote — the "second engine
// process (or a restart) can warm-start" behaviour the cache package
// advertises.
func TestPriceWithFallbackUsesMirrorBeforeREST(t *testing.T) {
	mirror := newMemMirror()

	writer := cache.New(mirror)
	writer.Set(context.Background(), cache.PriceKey("BTCUSDT"), map[string]interface{}{"price": 65000.5}, time.Hour)

	reader := cache.New(mirror)
	gw := newFakeGateway(1.00) // REST would return this; the mirror hit must win instead

	price, err := PriceWithFallback(context.Background(), reader, gw, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 65000.5, price)
}

func TestPriceWithFallbackFallsBackToRESTWithoutCacheOrMirror(t *testing.T) {
	c := cache.New(nil)
	gw := newFakeGateway(65000.5)

	price, err := PriceWithFallback(context.Background(), c, gw, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 65000.5, price)
}
