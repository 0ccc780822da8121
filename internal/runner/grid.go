package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/errs"
	"trading-engine/internal/eventbus"
	"trading-engine/internal/gateway"
	"trading-engine/internal/models"
	"trading-engine/internal/numeric"
)

const (
	reconcileInterval  = 5 * time.Minute
	filterRetryDelay   = 3 * time.Second
)

// unmatchedBuy is a filled buy awaiting a matching sell, kept so the
// grid can pair fills for realised P&L.
type unmatchedBuy struct {
	Price float64
	Qty   float64
}

// GridRunner is the two-sided grid strategy (C9): places gridLevels
// buys below and sells above the start price, and on every fill
// places the mirrored counter-order one gridSpread away.
type GridRunner struct {
	handle  Handle
	gateway gateway.Gateway
	cache   *cache.Cache
	bus     *eventbus.Bus
	logger  *zap.Logger

	filters SymbolFiltersCache

	mu               sync.Mutex
	gridOrders       []models.Order
	unmatchedBuys    []unmatchedBuy
	initialStartPrice float64

	orderSub    <-chan eventbus.Event
	stop        chan struct{}
	durationEnd *time.Timer
}

func NewGridRunner(handle Handle, gw gateway.Gateway, c *cache.Cache, bus *eventbus.Bus, logger *zap.Logger) *GridRunner {
	return &GridRunner{
		handle:  handle,
		gateway: gw,
		cache:   c,
		bus:     bus,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

func (r *GridRunner) Start(ctx context.Context) error {
	r.orderSub = r.bus.Subscribe(eventbus.KindOrder)
	go r.consumeOrderEvents(ctx)

	cfg := r.handle.Config()
	if cfg.DurationMinutes > 0 {
		r.durationEnd = time.AfterFunc(time.Duration(cfg.DurationMinutes)*time.Minute, func() {
			_ = r.Stop(context.Background())
		})
	}

	r.mu.Lock()
	if r.initialStartPrice == 0 && cfg.InitialStartPrice != 0 {
		r.initialStartPrice = cfg.InitialStartPrice
	}
	haveState := len(r.gridOrders) > 0
	r.mu.Unlock()
	if haveState {
		go r.reconcileLoop(ctx)
		return nil
	}

	symbol := r.handle.Symbol()
	rebuilt, err := rebuildOpenOrders(ctx, r.gateway, symbol, r.handle.BotTag())
	if err != nil {
		r.logger.Warn("failed to rebuild open orders from exchange, placing a fresh grid", zap.Error(err))
	} else if len(rebuilt) > 0 {
		r.logger.Info("resumed grid with orders still open on exchange", zap.Int("count", len(rebuilt)))
		r.mu.Lock()
		r.gridOrders = rebuilt
		r.mu.Unlock()
		go r.reconcileLoop(ctx)
		return nil
	}

	if err := r.placeInitialGrid(ctx); err != nil {
		return err
	}
	go r.reconcileLoop(ctx)
	return nil
}

func (r *GridRunner) Stop(ctx context.Context) error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if r.durationEnd != nil {
		r.durationEnd.Stop()
	}

	r.mu.Lock()
	orders := make([]models.Order, len(r.gridOrders))
	copy(orders, r.gridOrders)
	r.mu.Unlock()
	cancelTrackedOrders(ctx, r.gateway, r.logger, r.handle.Symbol(), orders)
	return nil
}

func (r *GridRunner) Details() Details {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make([]models.Order, len(r.gridOrders))
	copy(orders, r.gridOrders)

	var floating float64
	for _, b := range r.unmatchedBuys {
		floating -= b.Price * b.Qty
	}
	return Details{OpenOrders: orders, FloatingPnl: floating}
}

func (r *GridRunner) placeInitialGrid(ctx context.Context) error {
	symbol := r.handle.Symbol()
	cfg := r.handle.Config()

	filters, err := r.filters.Get(ctx, r.gateway, symbol)
	if err != nil {
		return err
	}

	price, err := PriceWithFallback(ctx, r.cache, r.gateway, symbol)
	if err != nil {
		return err
	}

	r.mu.Lock()
	isFresh := r.initialStartPrice == 0
	if isFresh {
		r.initialStartPrice = price
	}
	startPrice := r.initialStartPrice
	r.mu.Unlock()
	if isFresh {
		r.handle.SetInitialStartPrice(startPrice)
	} else {
		r.handle.Persist()
	}

	for i := 1; i <= cfg.GridLevels; i++ {
		buyPrice := numeric.FloorTick(startPrice-float64(i)*cfg.GridSpread, filters.TickSize)
		sellPrice := numeric.FloorTick(startPrice+float64(i)*cfg.GridSpread, filters.TickSize)

		r.placeLevel(ctx, symbol, filters, models.Buy, buyPrice, cfg.OrderSize)
		r.placeLevel(ctx, symbol, filters, models.Sell, sellPrice, cfg.OrderSize)
	}
	return nil
}

func (r *GridRunner) gridQty(price float64, orderSize float64, filters *models.SymbolFilters) float64 {
	raw := orderSize / price
	step, _ := parseStep(filters.StepSize)
	if raw < step {
		raw = step
	}
	return numeric.FloorStep(raw, filters.StepSize)
}

func parseStep(step string) (float64, error) {
	var f float64
	if err := json.Unmarshal([]byte(step), &f); err != nil {
		return 0, err
	}
	return f, nil
}

// placeLevel places one order, applying the grid's error policy
// (§4.5): fatal bad-key codes stop the bot, insufficient balance
// marks and skips the level, filter failures retry once after a
// short delay, everything else is logged as an order error.
func (r *GridRunner) placeLevel(ctx context.Context, symbol string, filters *models.SymbolFilters, side models.Side, price, orderSize float64) {
	r.placeLevelRetry(ctx, symbol, filters, side, price, orderSize, 0)
}

// placeLevelRetry is placeLevel with an explicit retryCount, so a
// filter-failure retry can stamp the resulting order record with how
// many attempts it took, and a level that keeps failing across
// repeated reconcileOnce/handleFill calls is retried (and sleeps) at
// most once per call.
func (r *GridRunner) placeLevelRetry(ctx context.Context, symbol string, filters *models.SymbolFilters, side models.Side, price, orderSize float64, retryCount int) {
	qty := r.gridQty(price, orderSize, filters)
	cid := NewClientOrderID(r.handle.BotTag(), side)

	ov, err := r.gateway.NewOrder(ctx, models.OrderParams{
		Symbol: symbol, Side: side, Type: "LIMIT_MAKER",
		Price: price, Quantity: qty, ClientOrderID: cid,
	})

	if err != nil {
		r.handlePlacementError(ctx, symbol, filters, side, price, orderSize, cid, retryCount, err)
		return
	}

	r.mu.Lock()
	r.gridOrders = append(r.gridOrders, models.Order{
		OrderID: ov.OrderID, ClientOrderID: cid, Symbol: symbol, Side: side,
		Price: price, Qty: qty, Status: models.OrderOpen, RetryCount: retryCount, LastUpdateTime: time.Now(),
	})
	r.mu.Unlock()
	r.handle.Persist()
}

func (r *GridRunner) handlePlacementError(ctx context.Context, symbol string, filters *models.SymbolFilters, side models.Side, price, orderSize float64, cid string, retryCount int, err error) {
	if errs.IsFatalToBotGrid(err) {
		r.logger.Error("fatal placement error, stopping bot", zap.String("botId", r.handle.ID()), zap.Error(err))
		r.bus.Publish(eventbus.KindBot, map[string]interface{}{"event": "bot_error", "botId": r.handle.ID(), "error": err.Error()})
		_ = r.Stop(ctx)
		return
	}
	if errs.IsInsufficientBalance(err) {
		r.logger.Warn("insufficient balance, skipping grid level", zap.Float64("price", price), zap.Error(err))
		r.mu.Lock()
		r.gridOrders = append(r.gridOrders, models.Order{
			ClientOrderID: cid, Symbol: symbol, Side: side, Price: price,
			Status: models.OrderIgnoredBalance, RetryCount: retryCount, LastUpdateTime: time.Now(),
		})
		r.mu.Unlock()
		r.handle.Persist()
		return
	}
	if errs.IsFilterFailure(err) && retryCount == 0 {
		r.logger.Warn("filter failure, retrying once", zap.Float64("price", price), zap.Error(err))
		time.Sleep(filterRetryDelay)
		r.placeLevelRetry(ctx, symbol, filters, side, price, orderSize, retryCount+1)
		return
	}

	r.logger.Error("grid level placement error", zap.Error(err))
	r.mu.Lock()
	r.gridOrders = append(r.gridOrders, models.Order{
		ClientOrderID: cid, Symbol: symbol, Side: side, Price: price,
		Status: models.OrderError, RetryCount: retryCount, LastUpdateTime: time.Now(),
	})
	r.mu.Unlock()
	r.handle.Persist()
}

func (r *GridRunner) consumeOrderEvents(ctx context.Context) {
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.orderSub:
			if !ok {
				return
			}
			r.handleOrderEvent(ctx, ev)
		}
	}
}

func (r *GridRunner) handleOrderEvent(ctx context.Context, ev eventbus.Event) {
	report, ok := extractFillReport(ev, r.handle.Symbol())
	if !ok {
		return
	}
	r.handleFill(ctx, report)
}

func (r *GridRunner) handleFill(ctx context.Context, report models.ExecutionReport) {
	symbol := r.handle.Symbol()
	filters, err := r.filters.Get(ctx, r.gateway, symbol)
	if err != nil {
		r.logger.Error("could not load filters during fill handling", zap.Error(err))
		return
	}
	cfg := r.handle.Config()

	r.mu.Lock()
	idx := -1
	for i, o := range r.gridOrders {
		if o.OrderID == report.OrderID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return
	}
	filled := r.gridOrders[idx]
	r.gridOrders = append(r.gridOrders[:idx], r.gridOrders[idx+1:]...)
	r.mu.Unlock()

	if filled.Side == models.Buy {
		r.mu.Lock()
		r.unmatchedBuys = append(r.unmatchedBuys, unmatchedBuy{Price: filled.Price, Qty: filled.Qty})
		r.mu.Unlock()
		counterPrice := numeric.FloorTick(filled.Price+cfg.GridSpread, filters.TickSize)
		r.placeLevel(ctx, symbol, filters, models.Sell, counterPrice, cfg.OrderSize)
	} else {
		counterPrice := numeric.FloorTick(filled.Price-cfg.GridSpread, filters.TickSize)
		r.placeLevel(ctx, symbol, filters, models.Buy, counterPrice, cfg.OrderSize)

		r.mu.Lock()
		matchIdx := -1
		for i, b := range r.unmatchedBuys {
			if floatsWithinHalfTick(b.Price, filled.Price-cfg.GridSpread, filters.TickSize) {
				matchIdx = i
				break
			}
		}
		var matched unmatchedBuy
		if matchIdx != -1 {
			matched = r.unmatchedBuys[matchIdx]
			r.unmatchedBuys = append(r.unmatchedBuys[:matchIdx], r.unmatchedBuys[matchIdx+1:]...)
		}
		r.mu.Unlock()

		if matchIdx != -1 {
			pnl := (filled.Price - matched.Price) * filled.Qty
			r.handle.UpdateStats(1, pnl)
		}
	}

	r.handle.Persist()
}

func floatsWithinHalfTick(a, b float64, tick string) bool {
	step, err := parseStep(tick)
	if err != nil || step == 0 {
		return a == b
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < step/2
}

// reconcileLoop re-derives the open-order set from the exchange every
// reconcileInterval, re-placing any locally-open order the exchange
// no longer carries and which didn't simply get filled underneath us.
func (r *GridRunner) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *GridRunner) reconcileOnce(ctx context.Context) {
	symbol := r.handle.Symbol()
	openOnExchange, err := r.gateway.GetOpenOrders(ctx, symbol)
	if err != nil {
		r.logger.Warn("reconciliation fetch failed", zap.Error(err))
		return
	}
	exchangeIDs := make(map[int64]bool, len(openOnExchange))
	for _, o := range openOnExchange {
		exchangeIDs[o.OrderID] = true
	}

	r.mu.Lock()
	local := make([]models.Order, len(r.gridOrders))
	copy(local, r.gridOrders)
	r.mu.Unlock()

	filters, err := r.filters.Get(ctx, r.gateway, symbol)
	if err != nil {
		return
	}

	for _, o := range local {
		if o.Status != models.OrderOpen || exchangeIDs[o.OrderID] {
			continue
		}
		view, err := r.gateway.GetOrder(ctx, symbol, o.OrderID)
		if err != nil {
			continue
		}
		if view.Status == models.ExchangeFilled || view.Status == models.ExchangePartiallyFilled {
			continue
		}

		r.mu.Lock()
		for i, existing := range r.gridOrders {
			if existing.OrderID == o.OrderID {
				r.gridOrders = append(r.gridOrders[:i], r.gridOrders[i+1:]...)
				break
			}
		}
		r.mu.Unlock()

		r.placeLevel(ctx, symbol, filters, o.Side, o.Price, r.handle.Config().OrderSize)
	}
}

