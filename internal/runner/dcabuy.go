package runner

import (
	"context"
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

// filledBuy is one accumulated BUY fill contributing to the running
// average entry price.
type filledBuy struct {
	OrderID int64
	Price   float64
	Qty     float64
}

// DCABuyRunner accumulates BUY orders on dips and maintains a single
// take-profit SELL at the running average entry price plus a margin
// (C10).
type DCABuyRunner struct {
	handle  Handle
	gateway gateway.Gateway
	cache   *cache.Cache
	bus     *eventbus.Bus
	logger  *zap.Logger

	filters SymbolFiltersCache

	mu          sync.Mutex
	placedBuys  []models.Order
	filledBuys  []filledBuy
	sellTp      *models.Order

	orderSub    <-chan eventbus.Event
	stop        chan struct{}
	durationEnd *time.Timer
}

func NewDCABuyRunner(handle Handle, gw gateway.Gateway, c *cache.Cache, bus *eventbus.Bus, logger *zap.Logger) *DCABuyRunner {
	return &DCABuyRunner{
		handle:  handle,
		gateway: gw,
		cache:   c,
		bus:     bus,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

func (r *DCABuyRunner) Start(ctx context.Context) error {
	r.orderSub = r.bus.Subscribe(eventbus.KindOrder)
	go r.consumeOrderEvents(ctx)

	cfg := r.handle.Config()
	if cfg.DurationMinutes > 0 {
		r.durationEnd = time.AfterFunc(time.Duration(cfg.DurationMinutes)*time.Minute, func() {
			_ = r.Stop(context.Background())
		})
	}

	r.mu.Lock()
	haveState := len(r.placedBuys) > 0 || len(r.filledBuys) > 0 || r.sellTp != nil
	r.mu.Unlock()
	if haveState {
		return nil
	}

	symbol := r.handle.Symbol()
	rebuilt, err := rebuildOpenOrders(ctx, r.gateway, symbol, r.handle.BotTag())
	if err != nil {
		r.logger.Warn("failed to rebuild open orders from exchange, placing fresh buys", zap.Error(err))
	} else if len(rebuilt) > 0 {
		r.logger.Info("resumed DCA buy with orders still open on exchange", zap.Int("count", len(rebuilt)))
		r.mu.Lock()
		for _, o := range rebuilt {
			if o.Side == models.Sell {
				tp := o
				r.sellTp = &tp
			} else {
				r.placedBuys = append(r.placedBuys, o)
			}
		}
		r.mu.Unlock()
		return nil
	}
	return r.placeBuys(ctx)
}

func (r *DCABuyRunner) Stop(ctx context.Context) error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if r.durationEnd != nil {
		r.durationEnd.Stop()
	}

	r.mu.Lock()
	orders := make([]models.Order, 0, len(r.placedBuys)+1)
	orders = append(orders, r.placedBuys...)
	if r.sellTp != nil {
		orders = append(orders, *r.sellTp)
	}
	r.mu.Unlock()
	cancelTrackedOrders(ctx, r.gateway, r.logger, r.handle.Symbol(), orders)
	return nil
}

func (r *DCABuyRunner) Details() Details {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make([]models.Order, 0, len(r.placedBuys)+1)
	orders = append(orders, r.placedBuys...)
	if r.sellTp != nil {
		orders = append(orders, *r.sellTp)
	}

	var totalQty, totalValue float64
	for _, b := range r.filledBuys {
		totalQty += b.Qty
		totalValue += b.Price * b.Qty
	}
	return Details{OpenOrders: orders, FloatingPnl: -totalValue}
}

// placeBuys (re-)places the gridLevels BUY orders below the current
// price, deduplicating identical post-rounding prices.
func (r *DCABuyRunner) placeBuys(ctx context.Context) error {
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

	qty := numeric.FloorStep(cfg.OrderSize, filters.StepSize)

	placedPrices := map[float64]bool{}
	for i := 1; i <= cfg.GridLevels; i++ {
		buyPrice := numeric.FloorTick(price-float64(i)*cfg.GridSpread, filters.TickSize)
		if placedPrices[buyPrice] {
			continue
		}
		placedPrices[buyPrice] = true
		r.placeBuyLevel(ctx, symbol, filters, buyPrice, qty)
	}
	return nil
}

func (r *DCABuyRunner) placeBuyLevel(ctx context.Context, symbol string, filters *models.SymbolFilters, price, qty float64) {
	cid := NewClientOrderID(r.handle.BotTag(), models.Buy)
	ov, err := r.gateway.NewOrder(ctx, models.OrderParams{
		Symbol: symbol, Side: models.Buy, Type: "LIMIT_MAKER",
		Price: price, Quantity: qty, ClientOrderID: cid,
	})
	if err != nil {
		r.handleDCAError(ctx, err, symbol, filters, price, qty, cid)
		return
	}
	r.mu.Lock()
	r.placedBuys = append(r.placedBuys, models.Order{
		OrderID: ov.OrderID, ClientOrderID: cid, Symbol: symbol, Side: models.Buy,
		Price: price, Qty: qty, Status: models.OrderOpen, LastUpdateTime: time.Now(),
	})
	r.mu.Unlock()
	r.handle.Persist()
}

// handleDCAError mirrors the grid runner's §4.5 tiered placement
// policy; errs.IsFatalToBot already covers the DCA runners' named
// fatal set {-2014, -2015, -1102}.
func (r *DCABuyRunner) handleDCAError(ctx context.Context, err error, symbol string, filters *models.SymbolFilters, price, qty float64, cid string) {
	if errs.IsFatalToBot(err) {
		r.logger.Error("fatal placement error, stopping bot", zap.String("botId", r.handle.ID()), zap.Error(err))
		r.bus.Publish(eventbus.KindBot, map[string]interface{}{"event": "bot_error", "botId": r.handle.ID(), "error": err.Error()})
		_ = r.Stop(ctx)
		return
	}
	if errs.IsInsufficientBalance(err) {
		r.logger.Warn("insufficient balance, skipping DCA level", zap.Float64("price", price), zap.Error(err))
		r.mu.Lock()
		r.placedBuys = append(r.placedBuys, models.Order{
			ClientOrderID: cid, Symbol: symbol, Side: models.Buy, Price: price,
			Status: models.OrderIgnoredBalance, LastUpdateTime: time.Now(),
		})
		r.mu.Unlock()
		r.handle.Persist()
		return
	}
	if errs.IsFilterFailure(err) {
		r.logger.Warn("filter failure, retrying once", zap.Float64("price", price), zap.Error(err))
		time.Sleep(filterRetryDelay)
		freshCid := NewClientOrderID(r.handle.BotTag(), models.Buy)
		ov, retryErr := r.gateway.NewOrder(ctx, models.OrderParams{
			Symbol: symbol, Side: models.Buy, Type: "LIMIT_MAKER",
			Price: price, Quantity: qty, ClientOrderID: freshCid,
		})
		status := models.OrderOpen
		var orderID int64
		if retryErr != nil {
			r.logger.Error("DCA level retry failed", zap.Error(retryErr))
			status = models.OrderError
		} else {
			orderID = ov.OrderID
		}
		r.mu.Lock()
		r.placedBuys = append(r.placedBuys, models.Order{
			OrderID: orderID, ClientOrderID: freshCid, Symbol: symbol, Side: models.Buy,
			Price: price, Status: status, LastUpdateTime: time.Now(),
		})
		r.mu.Unlock()
		r.handle.Persist()
		return
	}

	r.logger.Error("DCA level placement error", zap.Error(err))
	r.mu.Lock()
	r.placedBuys = append(r.placedBuys, models.Order{
		ClientOrderID: cid, Symbol: symbol, Side: models.Buy, Price: price,
		Status: models.OrderError, LastUpdateTime: time.Now(),
	})
	r.mu.Unlock()
	r.handle.Persist()
}

func (r *DCABuyRunner) consumeOrderEvents(ctx context.Context) {
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

func (r *DCABuyRunner) handleOrderEvent(ctx context.Context, ev eventbus.Event) {
	report, ok := extractFillReport(ev, r.handle.Symbol())
	if !ok {
		return
	}

	r.mu.Lock()
	isTp := r.sellTp != nil && r.sellTp.OrderID == report.OrderID
	r.mu.Unlock()

	if isTp {
		r.handleTakeProfitFill(ctx, report)
		return
	}

	r.mu.Lock()
	idx := -1
	for i, o := range r.placedBuys {
		if o.OrderID == report.OrderID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return
	}
	filled := r.placedBuys[idx]
	r.placedBuys = append(r.placedBuys[:idx], r.placedBuys[idx+1:]...)

	for _, fb := range r.filledBuys {
		if fb.OrderID == filled.OrderID {
			r.mu.Unlock()
			return
		}
	}
	r.filledBuys = append(r.filledBuys, filledBuy{OrderID: filled.OrderID, Price: filled.Price, Qty: filled.Qty})
	r.mu.Unlock()

	r.ensureTakeProfit(ctx)
	r.handle.Persist()
}

// ensureTakeProfit recomputes {avg, totalQty, totalValue} over
// filledBuys and places (or replaces) the single TP sell, matching
// §4.6's "outside half a tick/step → cancel and replace" rule.
func (r *DCABuyRunner) ensureTakeProfit(ctx context.Context) {
	symbol := r.handle.Symbol()
	cfg := r.handle.Config()
	filters, err := r.filters.Get(ctx, r.gateway, symbol)
	if err != nil {
		r.logger.Error("could not load filters while ensuring TP", zap.Error(err))
		return
	}

	r.mu.Lock()
	var totalQty, totalValue float64
	for _, b := range r.filledBuys {
		totalQty += b.Qty
		totalValue += b.Price * b.Qty
	}
	r.mu.Unlock()
	if totalQty == 0 {
		return
	}
	avg := totalValue / totalQty
	tpPrice := numeric.FloorTick(avg+cfg.TakeProfit, filters.TickSize)
	tpQty := numeric.FloorStep(totalQty, filters.StepSize)

	r.mu.Lock()
	existing := r.sellTp
	r.mu.Unlock()

	if existing != nil {
		samePrice := floatsWithinHalfTick(existing.Price, tpPrice, filters.TickSize)
		sameQty := floatsWithinHalfTick(existing.Qty, tpQty, filters.StepSize)
		if samePrice && sameQty {
			return
		}
		if err := r.gateway.CancelOrder(ctx, symbol, existing.OrderID); err != nil && !errs.IsUnknownOrder(err) {
			r.logger.Warn("failed to cancel stale TP order", zap.Error(err))
		}
		r.mu.Lock()
		r.sellTp = nil
		r.mu.Unlock()
	}

	cid := NewClientOrderID(r.handle.BotTag(), models.Sell)
	ov, err := r.gateway.NewOrder(ctx, models.OrderParams{
		Symbol: symbol, Side: models.Sell, Type: "LIMIT_MAKER",
		Price: tpPrice, Quantity: tpQty, ClientOrderID: cid,
	})
	if err != nil {
		r.logger.Error("failed to place take-profit order", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.sellTp = &models.Order{
		OrderID: ov.OrderID, ClientOrderID: cid, Symbol: symbol, Side: models.Sell,
		Price: tpPrice, Qty: tpQty, Status: models.OrderOpen, LastUpdateTime: time.Now(),
	}
	r.mu.Unlock()
	r.handle.Persist()
}

// handleTakeProfitFill closes out the round: realised P&L, cancel any
// remaining buys still open on the exchange, and start a fresh cycle.
func (r *DCABuyRunner) handleTakeProfitFill(ctx context.Context, report models.ExecutionReport) {
	symbol := r.handle.Symbol()

	r.mu.Lock()
	var totalValue float64
	for _, b := range r.filledBuys {
		totalValue += b.Price * b.Qty
	}
	remaining := make([]models.Order, len(r.placedBuys))
	copy(remaining, r.placedBuys)
	r.placedBuys = nil
	r.filledBuys = nil
	r.sellTp = nil
	r.mu.Unlock()

	pnl := report.LastFillPrice*report.LastFilledQty - totalValue
	if report.LastFillPrice == 0 {
		pnl = report.Price*report.CumFilledQty - totalValue
	}
	r.handle.UpdateStats(1, pnl)

	for _, o := range remaining {
		if o.OrderID == 0 {
			continue
		}
		if err := r.gateway.CancelOrder(ctx, symbol, o.OrderID); err != nil && !errs.IsUnknownOrder(err) {
			r.logger.Warn("failed to cancel residual buy on TP fill", zap.Error(err))
		}
	}

	if err := r.placeBuys(ctx); err != nil {
		r.logger.Error("failed to re-place buys after TP fill", zap.Error(err))
	}
}
