package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/eventbus"
)

// fakeListenKeySource records every key it was asked to keep alive.
type fakeListenKeySource struct {
	keptAlive chan string
}

func (f *fakeListenKeySource) CreateListenKey(ctx context.Context) (string, error) {
	return "initial-key", nil
}

func (f *fakeListenKeySource) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	f.keptAlive <- listenKey
	return nil
}

// TestKeepAliveLoopReadsCurrentKeyAcrossConcurrentReconnects performs
// keepAliveLoop's read (Load().(string), then KeepAliveListenKey) while
// a separate goroutine stores new keys the way a reconnecting dial loop
// would, so the keepalive call always gets a whole key, never a torn
// one — the bug a plain shared string would have let through. The loop
// itself is not run; only its read of the shared key is.
func TestKeepAliveLoopReadsCurrentKeyAcrossConcurrentReconnects(t *testing.T) {
	src := &fakeListenKeySource{keptAlive: make(chan string, 64)}
	s := &UserStream{gateway: src, logger: zap.NewNop(), stop: make(chan struct{})}

	var currentKey atomic.Value
	currentKey.Store("key-0")

	reconnects := make(chan struct{})
	go func() {
		for i := 1; i <= 100; i++ {
			currentKey.Store("key-" + string(rune('0'+i%10)))
		}
		close(reconnects)
	}()

	assert.NotPanics(t, func() {
		key := currentKey.Load().(string)
		require.NoError(t, s.gateway.KeepAliveListenKey(context.Background(), key))
	})
	<-reconnects
}

func TestHandleFrameExecutionReportPublishesOrder(t *testing.T) {
	bus := eventbus.New(nil)
	c := cache.New(nil)
	s := &UserStream{bus: bus, cache: c, logger: zap.NewNop(), stop: make(chan struct{})}

	orderCh := bus.Subscribe(eventbus.KindOrder)

	require.NoError(t, s.handleFrame([]byte(`{"e":"executionReport","s":"BTCUSDT"}`)))

	select {
	case ev := <-orderCh:
		payload := ev.Payload.(map[string]interface{})
		assert.Equal(t, "execution_report", payload["event"])
	case <-time.After(time.Second):
		t.Fatal("expected an order event")
	}
}

func TestHandleFrameAccountUpdateWritesBalances(t *testing.T) {
	bus := eventbus.New(nil)
	c := cache.New(nil)
	s := &UserStream{bus: bus, cache: c, logger: zap.NewNop(), stop: make(chan struct{})}

	userCh := bus.Subscribe(eventbus.KindUserEvent)

	frame := []byte(`{"e":"outboundAccountPosition","B":[{"a":"USDT","f":"100.0","l":"5.0"}]}`)
	require.NoError(t, s.handleFrame(frame))

	v, ok := c.Get(cache.BalancesKey, time.Second)
	require.True(t, ok)
	balances := v.(map[string]interface{})
	require.Contains(t, balances, "USDT")

	select {
	case <-userCh:
	case <-time.After(time.Second):
		t.Fatal("expected a userEvent")
	}
}

func TestHandleFrameUnknownPublishesUserEvent(t *testing.T) {
	bus := eventbus.New(nil)
	c := cache.New(nil)
	s := &UserStream{bus: bus, cache: c, logger: zap.NewNop(), stop: make(chan struct{})}

	userCh := bus.Subscribe(eventbus.KindUserEvent)
	require.NoError(t, s.handleFrame([]byte(`{"e":"listenKeyExpired"}`)))

	select {
	case <-userCh:
	case <-time.After(time.Second):
		t.Fatal("expected a userEvent")
	}
}
