package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/eventbus"
)

func TestHandleFrameTradeUpdatesCacheAndPublishes(t *testing.T) {
	bus := eventbus.New(nil)
	c := cache.New(nil)
	m := NewMarketStream(bus, c, "wss://example", zap.NewNop())

	marketCh := bus.Subscribe(eventbus.KindMarket)

	err := m.handleFrame("BTCUSDT", "trade", []byte(`{"p":"65000.12"}`))
	require.NoError(t, err)

	v, ok := c.Get(cache.PriceKey("BTCUSDT"), time.Second)
	require.True(t, ok)
	entry := v.(map[string]interface{})
	assert.Equal(t, 65000.12, entry["price"])

	select {
	case ev := <-marketCh:
		assert.Equal(t, eventbus.KindMarket, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a market event")
	}
}

func TestHandleFrameKlinePublishesBoth(t *testing.T) {
	bus := eventbus.New(nil)
	c := cache.New(nil)
	m := NewMarketStream(bus, c, "wss://example", zap.NewNop())

	marketCh := bus.Subscribe(eventbus.KindMarket)
	klineCh := bus.Subscribe(eventbus.KindKline)

	err := m.handleFrame("ETHUSDT", "kline_1m", []byte(`{"k":{"c":"3200.50"}}`))
	require.NoError(t, err)

	<-marketCh
	select {
	case ev := <-klineCh:
		assert.Equal(t, eventbus.KindKline, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a kline event")
	}
}
