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

func dcaBuyConfig() models.Config {
	return models.Config{GridLevels: 0, TakeProfit: 5}
}

// seedBuy places a BUY order through the fake gateway and records it
// as already open on the runner, bypassing placeBuys so the test can
// drive exact prices/quantities per the S3 scenario.
func seedBuy(t *testing.T, r *DCABuyRunner, gw *fakeGateway, price, qty float64) int64 {
	t.Helper()
	cid := NewClientOrderID("bot", models.Buy)
	ov, err := gw.NewOrder(context.Background(), models.OrderParams{
		Symbol: "BTCUSDT", Side: models.Buy, Price: price, Quantity: qty, ClientOrderID: cid,
	})
	require.NoError(t, err)
	r.mu.Lock()
	r.placedBuys = append(r.placedBuys, models.Order{
		OrderID: ov.OrderID, ClientOrderID: cid, Symbol: "BTCUSDT", Side: models.Buy,
		Price: price, Qty: qty, Status: models.OrderOpen,
	})
	r.mu.Unlock()
	return ov.OrderID
}

func TestDCABuyTakeProfitReplacementS3(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaBuyConfig())
	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCABuyRunner(handle, gw, c, bus, zap.NewNop())

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	id1 := seedBuy(t, r, gw, 100, 1)
	publishFill(bus, "BTCUSDT", id1, "BUY", "100", "1")
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	require.NotNil(t, r.sellTp)
	assert.InDelta(t, 105.00, r.sellTp.Price, 1e-9)
	assert.InDelta(t, 1, r.sellTp.Qty, 1e-9)
	r.mu.Unlock()

	id2 := seedBuy(t, r, gw, 90, 1)
	publishFill(bus, "BTCUSDT", id2, "BUY", "90", "1")
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	require.NotNil(t, r.sellTp)
	assert.InDelta(t, 100.00, r.sellTp.Price, 1e-9)
	assert.InDelta(t, 2, r.sellTp.Qty, 1e-9)
	r.mu.Unlock()

	gw.mu.Lock()
	openOrders := len(gw.orders)
	gw.mu.Unlock()
	assert.Equal(t, 1, openOrders-2, "exactly one open TP order should remain alongside the two buys")

	id3 := seedBuy(t, r, gw, 80, 1)
	publishFill(bus, "BTCUSDT", id3, "BUY", "80", "1")
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	require.NotNil(t, r.sellTp)
	assert.InDelta(t, 95.00, r.sellTp.Price, 1e-9)
	assert.InDelta(t, 3, r.sellTp.Qty, 1e-9)
	r.mu.Unlock()
}

func TestDCABuyStopCancelsTrackedOrdersS5(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaBuyConfig())
	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCABuyRunner(handle, gw, c, bus, zap.NewNop())
	require.NoError(t, r.Start(context.Background()))

	id1 := seedBuy(t, r, gw, 100, 1)
	publishFill(bus, "BTCUSDT", id1, "BUY", "100", "1")
	time.Sleep(50 * time.Millisecond)
	seedBuy(t, r, gw, 90, 1)

	require.NoError(t, r.Stop(context.Background()))

	// The fake gateway keeps filled orders in its map (publishFill does
	// not remove them), so the filled first buy is the one order left.
	gw.mu.Lock()
	remaining := len(gw.orders)
	gw.mu.Unlock()
	assert.Equal(t, 1, remaining, "Stop should cancel the residual buy and the take-profit order, leaving only the filled buy")
}

// TestDCABuyResumeRebuildsFromOpenOrdersS5 mimics resuming a
// persisted running bot: Start must adopt the bot's own buy and TP
// orders already open on the exchange instead of placing a fresh set.
func TestDCABuyResumeRebuildsFromOpenOrdersS5(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaBuyConfig())

	buyCid := NewClientOrderID(handle.BotTag(), models.Buy)
	buy, err := gw.NewOrder(context.Background(), models.OrderParams{
		Symbol: "BTCUSDT", Side: models.Buy, Price: 90, Quantity: 1, ClientOrderID: buyCid,
	})
	require.NoError(t, err)
	tpCid := NewClientOrderID(handle.BotTag(), models.Sell)
	tp, err := gw.NewOrder(context.Background(), models.OrderParams{
		Symbol: "BTCUSDT", Side: models.Sell, Price: 105, Quantity: 1, ClientOrderID: tpCid,
	})
	require.NoError(t, err)

	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCABuyRunner(handle, gw, c, bus, zap.NewNop())

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.placedBuys, 1)
	assert.Equal(t, buy.OrderID, r.placedBuys[0].OrderID)
	require.NotNil(t, r.sellTp)
	assert.Equal(t, tp.OrderID, r.sellTp.OrderID)
}

func TestDCABuyTakeProfitFillClosesRoundAndRestarts(t *testing.T) {
	gw := newFakeGateway(30000.00)
	handle := newFakeHandle("BTCUSDT", dcaBuyConfig())
	bus := eventbus.New(nil)
	c := cache.New(nil)
	r := NewDCABuyRunner(handle, gw, c, bus, zap.NewNop())

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	id1 := seedBuy(t, r, gw, 100, 1)
	publishFill(bus, "BTCUSDT", id1, "BUY", "100", "1")
	time.Sleep(50 * time.Millisecond)

	r.mu.Lock()
	tpID := r.sellTp.OrderID
	r.mu.Unlock()
	require.NotZero(t, tpID)

	publishFill(bus, "BTCUSDT", tpID, "SELL", "105", "1")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(1), handle.rounds.Load())
	assert.InDelta(t, 5.0, handle.realizedPnl.Load().(float64), 1e-9)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Nil(t, r.sellTp)
	assert.Empty(t, r.filledBuys)
}
