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

// filledSell is one accumulated SELL fill contributing to the running
// average exit price.
type filledSell struct {
	OrderID int64
	Price   float64
	Qty     float64
}

// DCASellRunner distributes SELL orders on rips and maintains a
// single buy-back at the running average exit price minus a margin
// (C11) — the mirror image of DCABuyRunner with sides swapped.
type DCASellRunner struct {
	handle  Handle
	gateway gateway.Gateway
	cache   *cache.Cache
	bus     *eventbus.Bus
	logger  *zap.Logger

	filters SymbolFiltersCache

	mu          sync.Mutex
	placedSells []models.Order
	filledSells []filledSell
	buyBack     *models.Order

	orderSub    <-chan eventbus.Event
	stop        chan struct{}
	durationEnd *time.Timer
}

func NewDCASellRunner(handle Handle, gw gateway.Gateway, c *cache.Cache, bus *eventbus.Bus, logger *zap.Logger) *DCASellRunner {
	return &DCASellRunner{
		handle:  handle,
		gateway: gw,
		cache:   c,
		bus:     bus,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

func (r *DCASellRunner) Start(ctx context.Context) error {
	r.orderSub = r.bus.Subscribe(eventbus.KindOrder)
	go r.consumeOrderEvents(ctx)

	cfg := r.handle.Config()
	if cfg.DurationMinutes > 0 {
		r.durationEnd = time.AfterFunc(time.Duration(cfg.DurationMinutes)*time.Minute, func() {
			_ = r.Stop(context.Background())
		})
	}

	r.mu.Lock()
	haveState := len(r.placedSells) > 0 || len(r.filledSells) > 0 || r.buyBack != nil
	r.mu.Unlock()
	if haveState {
		return nil
	}

	symbol := r.handle.Symbol()
	rebuilt, err := rebuildOpenOrders(ctx, r.gateway, symbol, r.handle.BotTag())
	if err != nil {
		r.logger.Warn("failed to rebuild open orders from exchange, placing fresh sells", zap.Error(err))
	} else if len(rebuilt) > 0 {
		r.logger.Info("resumed DCA sell with orders still open on exchange", zap.Int("count", len(rebuilt)))
		r.mu.Lock()
		for _, o := range rebuilt {
			if o.Side == models.Buy {
				bb := o
				r.buyBack = &bb
			} else {
				r.placedSells = append(r.placedSells, o)
			}
		}
		r.mu.Unlock()
		return nil
	}
	return r.placeSells(ctx)
}

func (r *DCASellRunner) Stop(ctx context.Context) error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if r.durationEnd != nil {
		r.durationEnd.Stop()
	}

	r.mu.Lock()
	orders := make([]models.Order, 0, len(r.placedSells)+1)
	orders = append(orders, r.placedSells...)
	if r.buyBack != nil {
		orders = append(orders, *r.buyBack)
	}
	r.mu.Unlock()
	cancelTrackedOrders(ctx, r.gateway, r.logger, r.handle.Symbol(), orders)
	return nil
}

func (r *DCASellRunner) Details() Details {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make([]models.Order, 0, len(r.placedSells)+1)
	orders = append(orders, r.placedSells...)
	if r.buyBack != nil {
		orders = append(orders, *r.buyBack)
	}

	var totalQty, totalValue float64
	for _, s := range r.filledSells {
		totalQty += s.Qty
		totalValue += s.Price * s.Qty
	}
	return Details{OpenOrders: orders, FloatingPnl: totalValue}
}

// placeSells (re-)places the gridLevels SELL orders above the current
// price, deduplicating identical post-rounding prices.
func (r *DCASellRunner) placeSells(ctx context.Context) error {
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
		sellPrice := numeric.FloorTick(price+float64(i)*cfg.GridSpread, filters.TickSize)
		if placedPrices[sellPrice] {
			continue
		}
		placedPrices[sellPrice] = true
		r.placeSellLevel(ctx, symbol, filters, sellPrice, qty)
	}
	return nil
}

func (r *DCASellRunner) placeSellLevel(ctx context.Context, symbol string, filters *models.SymbolFilters, price, qty float64) {
	cid := NewClientOrderID(r.handle.BotTag(), models.Sell)
	ov, err := r.gateway.NewOrder(ctx, models.OrderParams{
		Symbol: symbol, Side: models.Sell, Type: "LIMIT_MAKER",
		Price: price, Quantity: qty, ClientOrderID: cid,
	})
	if err != nil {
		r.handleDCAError(ctx, err, symbol, filters, price, qty, cid)
		return
	}
	r.mu.Lock()
	r.placedSells = append(r.placedSells, models.Order{
		OrderID: ov.OrderID, ClientOrderID: cid, Symbol: symbol, Side: models.Sell,
		Price: price, Qty: qty, Status: models.OrderOpen, LastUpdateTime: time.Now(),
	})
	r.mu.Unlock()
	r.handle.Persist()
}

// handleDCAError mirrors DCABuyRunner.handleDCAError with the sell
// side substituted; errs.IsFatalToBot covers the named fatal set
// {-2014, -2015, -1102}.
func (r *DCASellRunner) handleDCAError(ctx context.Context, err error, symbol string, filters *models.SymbolFilters, price, qty float64, cid string) {
	if errs.IsFatalToBot(err) {
		r.logger.Error("fatal placement error, stopping bot", zap.String("botId", r.handle.ID()), zap.Error(err))
		r.bus.Publish(eventbus.KindBot, map[string]interface{}{"event": "bot_error", "botId": r.handle.ID(), "error": err.Error()})
		_ = r.Stop(ctx)
		return
	}
	if errs.IsInsufficientBalance(err) {
		r.logger.Warn("insufficient balance, skipping DCA level", zap.Float64("price", price), zap.Error(err))
		r.mu.Lock()
		r.placedSells = append(r.placedSells, models.Order{
			ClientOrderID: cid, Symbol: symbol, Side: models.Sell, Price: price,
			Status: models.OrderIgnoredBalance, LastUpdateTime: time.Now(),
		})
		r.mu.Unlock()
		r.handle.Persist()
		return
	}
	if errs.IsFilterFailure(err) {
		r.logger.Warn("filter failure, retrying once", zap.Float64("price", price), zap.Error(err))
		time.Sleep(filterRetryDelay)
		freshCid := NewClientOrderID(r.handle.BotTag(), models.Sell)
		ov, retryErr := r.gateway.NewOrder(ctx, models.OrderParams{
			Symbol: symbol, Side: models.Sell, Type: "LIMIT_MAKER",
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
		r.placedSells = append(r.placedSells, models.Order{
			OrderID: orderID, ClientOrderID: freshCid, Symbol: symbol, Side: models.Sell,
			Price: price, Status: status, LastUpdateTime: time.Now(),
		})
		r.mu.Unlock()
		r.handle.Persist()
		return
	}

	r.logger.Error("DCA level placement error", zap.Error(err))
	r.mu.Lock()
	r.placedSells = append(r.placedSells, models.Order{
		ClientOrderID: cid, Symbol: symbol, Side: models.Sell, Price: price,
		Status: models.OrderError, LastUpdateTime: time.Now(),
	})
	r.mu.Unlock()
	r.handle.Persist()
}

func (r *DCASellRunner) consumeOrderEvents(ctx context.Context) {
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

func (r *DCASellRunner) handleOrderEvent(ctx context.Context, ev eventbus.Event) {
	report, ok := extractFillReport(ev, r.handle.Symbol())
	if !ok {
		return
	}

	r.mu.Lock()
	isBuyBack := r.buyBack != nil && r.buyBack.OrderID == report.OrderID
	r.mu.Unlock()

	if isBuyBack {
		r.handleBuyBackFill(ctx, report)
		return
	}

	r.mu.Lock()
	idx := -1
	for i, o := range r.placedSells {
		if o.OrderID == report.OrderID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return
	}
	filled := r.placedSells[idx]
	r.placedSells = append(r.placedSells[:idx], r.placedSells[idx+1:]...)

	for _, fs := range r.filledSells {
		if fs.OrderID == filled.OrderID {
			r.mu.Unlock()
			return
		}
	}
	r.filledSells = append(r.filledSells, filledSell{OrderID: filled.OrderID, Price: filled.Price, Qty: filled.Qty})
	r.mu.Unlock()

	r.ensureBuyBack(ctx)
	r.handle.Persist()
}

// ensureBuyBack recomputes {avg, totalQty, totalValue} over
// filledSells and places (or replaces) the single buy-back order,
// mirroring §4.6's TP replacement rule with the side swapped.
func (r *DCASellRunner) ensureBuyBack(ctx context.Context) {
	symbol := r.handle.Symbol()
	cfg := r.handle.Config()
	filters, err := r.filters.Get(ctx, r.gateway, symbol)
	if err != nil {
		r.logger.Error("could not load filters while ensuring buy-back", zap.Error(err))
		return
	}

	r.mu.Lock()
	var totalQty, totalValue float64
	for _, s := range r.filledSells {
		totalQty += s.Qty
		totalValue += s.Price * s.Qty
	}
	r.mu.Unlock()
	if totalQty == 0 {
		return
	}
	avg := totalValue / totalQty
	bbPrice := numeric.FloorTick(avg-cfg.TakeProfit, filters.TickSize)
	bbQty := numeric.FloorStep(totalQty, filters.StepSize)

	r.mu.Lock()
	existing := r.buyBack
	r.mu.Unlock()

	if existing != nil {
		samePrice := floatsWithinHalfTick(existing.Price, bbPrice, filters.TickSize)
		sameQty := floatsWithinHalfTick(existing.Qty, bbQty, filters.StepSize)
		if samePrice && sameQty {
			return
		}
		if err := r.gateway.CancelOrder(ctx, symbol, existing.OrderID); err != nil && !errs.IsUnknownOrder(err) {
			r.logger.Warn("failed to cancel stale buy-back order", zap.Error(err))
		}
		r.mu.Lock()
		r.buyBack = nil
		r.mu.Unlock()
	}

	cid := NewClientOrderID(r.handle.BotTag(), models.Buy)
	ov, err := r.gateway.NewOrder(ctx, models.OrderParams{
		Symbol: symbol, Side: models.Buy, Type: "LIMIT_MAKER",
		Price: bbPrice, Quantity: bbQty, ClientOrderID: cid,
	})
	if err != nil {
		r.logger.Error("failed to place buy-back order", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.buyBack = &models.Order{
		OrderID: ov.OrderID, ClientOrderID: cid, Symbol: symbol, Side: models.Buy,
		Price: bbPrice, Qty: bbQty, Status: models.OrderOpen, LastUpdateTime: time.Now(),
	}
	r.mu.Unlock()
	r.handle.Persist()
}

// handleBuyBackFill closes out the round: realised P&L, cancel any
// remaining sells still open on the exchange, and start a fresh
// cycle.
func (r *DCASellRunner) handleBuyBackFill(ctx context.Context, report models.ExecutionReport) {
	symbol := r.handle.Symbol()

	r.mu.Lock()
	var totalValue float64
	for _, s := range r.filledSells {
		totalValue += s.Price * s.Qty
	}
	remaining := make([]models.Order, len(r.placedSells))
	copy(remaining, r.placedSells)
	r.placedSells = nil
	r.filledSells = nil
	r.buyBack = nil
	r.mu.Unlock()

	fillPrice := report.LastFillPrice
	fillQty := report.LastFilledQty
	if fillPrice == 0 {
		fillPrice = report.Price
		fillQty = report.CumFilledQty
	}
	pnl := totalValue - fillPrice*fillQty
	r.handle.UpdateStats(1, pnl)

	for _, o := range remaining {
		if o.OrderID == 0 {
			continue
		}
		if err := r.gateway.CancelOrder(ctx, symbol, o.OrderID); err != nil && !errs.IsUnknownOrder(err) {
			r.logger.Warn("failed to cancel residual sell on buy-back fill", zap.Error(err))
		}
	}

	if err := r.placeSells(ctx); err != nil {
		r.logger.Error("failed to re-place sells after buy-back fill", zap.Error(err))
	}
}
