package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/eventbus"
	"trading-engine/internal/models"
)

func dcaSellConfig() models.Config {
	return models.Config{GridLevels: 0, TakeProfit: 5}
}

// seedSell places a SELL order through the fake gateway and records
// it as already open on the runner, bypassing placeSells so the test
// can drive exact prices/quantities.
func seedSell(t *testing.T, r *DCASellRunner, gw *fakeGateway, price, qty float64) int64 {
	t.Helper()
	cid := NewClientOrderID("bot", models.Sell)
	ov, err := gw.NewOrder(context.Background(), models.OrderParams{
		Symbol: "BTCUSDT", Side: models.Sell, Price: price, Quantity: qty, ClientOrderID: cid,
	})
	require.NoError(t, err)
	r.mu.Lock()
	r.placedSells = append(r.placedSells, models.Order{
		OrderID: ov.OrderID, ClientOrderID: cid, Symbol: "BTCUSDT", Side: models.Sell,
		Price: price, Qty: qty, Status: models.OrderOpen,
	})
	r.mu.Unlock()
	return ov.OrderID
}

func TestDCASellBuyBackReplacement(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaSellConfig())
	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCASellRunner(handle, gw, c, bus, zap.NewNop())

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	id1 := seedSell(t, r, gw, 100, 1)
	publishFill(bus, "BTCUSDT", id1, "SELL", "100", "1")
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	require.NotNil(t, r.buyBack)
	assert.InDelta(t, 95.00, r.buyBack.Price, 1e-9)
	assert.InDelta(t, 1, r.buyBack.Qty, 1e-9)
	r.mu.Unlock()

	id2 := seedSell(t, r, gw, 110, 1)
	publishFill(bus, "BTCUSDT", id2, "SELL", "110", "1")
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	require.NotNil(t, r.buyBack)
	assert.InDelta(t, 100.00, r.buyBack.Price, 1e-9)
	assert.InDelta(t, 2, r.buyBack.Qty, 1e-9)
	r.mu.Unlock()

	gw.mu.Lock()
	openOrders := len(gw.orders)
	gw.mu.Unlock()
	assert.Equal(t, 1, openOrders-2, "exactly one open buy-back order should remain alongside the two sells")
}

func TestDCASellStopCancelsTrackedOrdersS5(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaSellConfig())
	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCASellRunner(handle, gw, c, bus, zap.NewNop())
	require.NoError(t, r.Start(context.Background()))

	id1 := seedSell(t, r, gw, 100, 1)
	publishFill(bus, "BTCUSDT", id1, "SELL", "100", "1")
	time.Sleep(50 * time.Millisecond)
	seedSell(t, r, gw, 110, 1)

	require.NoError(t, r.Stop(context.Background()))

	// The fake gateway keeps filled orders in its map (publishFill does
	// not remove them), so the filled first sell is the one order left.
	gw.mu.Lock()
	remaining := len(gw.orders)
	gw.mu.Unlock()
	assert.Equal(t, 1, remaining, "Stop should cancel the residual sell and the buy-back order, leaving only the filled sell")
}

// TestDCASellResumeRebuildsFromOpenOrdersS5 mimics resuming a
// persisted running bot: Start must adopt the bot's own sell and
// buy-back orders already open on the exchange instead of placing a
// fresh set.
func TestDCASellResumeRebuildsFromOpenOrdersS5(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaSellConfig())

	sellCid := NewClientOrderID(handle.BotTag(), models.Sell)
	sell, err := gw.NewOrder(context.Background(), models.OrderParams{
		Symbol: "BTCUSDT", Side: models.Sell, Price: 110, Quantity: 1, ClientOrderID: sellCid,
	})
	require.NoError(t, err)
	bbCid := NewClientOrderID(handle.BotTag(), models.Buy)
	bb, err := gw.NewOrder(context.Background(), models.OrderParams{
		Symbol: "BTCUSDT", Side: models.Buy, Price: 95, Quantity: 1, ClientOrderID: bbCid,
	})
	require.NoError(t, err)

	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCASellRunner(handle, gw, c, bus, zap.NewNop())

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.placedSells, 1)
	assert.Equal(t, sell.OrderID, r.placedSells[0].OrderID)
	require.NotNil(t, r.buyBack)
	assert.Equal(t, bb.OrderID, r.buyBack.OrderID)
}

func TestDCASellBuyBackFillClosesRoundAndRestarts(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaSellConfig())
	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCASellRunner(handle, gw, c, bus, zap.NewNop())

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	id1 := seedSell(t, r, gw, 100, 1)
	publishFill(bus, "BTCUSDT", id1, "SELL", "100", "1")
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	bbID := r.buyBack.OrderID
	r.mu.Unlock()
	require.NotZero(t, bbID)

	publishFill(bus, "BTCUSDT", bbID, "BUY", "95", "1")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(1), handle.rounds.Load())
	assert.InDelta(t, 5.0, handle.realizedPnl.Load().(float64), 1e-9)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Nil(t, r.buyBack)
	assert.Empty(t, r.filledSells)
}
