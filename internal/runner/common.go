package runner

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/errs"
	"trading-engine/internal/eventbus"
	"trading-engine/internal/gateway"
	"trading-engine/internal/models"
)

const priceMaxAge = 30 * time.Second

// NewClientOrderID builds "<botTag>-<now>-<side[0]>-<rand>", the
// format reconciliation uses to recognise a bot's own orders among
// all open orders for the symbol.
func NewClientOrderID(botTag string, side models.Side) string {
	return fmt.Sprintf("%s-%d-%c-%s", botTag, time.Now().UnixMilli(), sideInitial(side), randomTag())
}

func sideInitial(side models.Side) byte {
	if side == models.Buy {
		return 'b'
	}
	return 's'
}

func randomTag() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failures are effectively impossible on a sane
		// host; fall back to a timestamp-derived value rather than
		// panic so order placement never blocks on this.
		seed := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(seed >> (8 * i))
		}
	}
	return base62.EncodeToString(buf[:])
}

// PriceWithFallback serves the locally cached price when fresh,
// falling through to the Redis mirror (warming the local entry back
// up on a hit there) before finally calling the exchange directly.
func PriceWithFallback(ctx context.Context, c *cache.Cache, gw gateway.Gateway, symbol string) (float64, error) {
	var mirrored struct {
		Price float64 `json:"price"`
	}
	if c.GetOrMirror(ctx, cache.PriceKey(symbol), priceMaxAge, &mirrored) && mirrored.Price != 0 {
		return mirrored.Price, nil
	}
	return gw.GetPrice(ctx, symbol)
}

// cancelTrackedOrders cancels every still-open order in orders,
// logging but not failing on an individual cancel error — the
// teacher's cancelAllActiveOrders pattern, generalised to any runner's
// tracked-order slice and called from each Stop.
func cancelTrackedOrders(ctx context.Context, gw gateway.Gateway, logger *zap.Logger, symbol string, orders []models.Order) {
	for _, o := range orders {
		if o.OrderID == 0 || o.Status != models.OrderOpen {
			continue
		}
		if err := gw.CancelOrder(ctx, symbol, o.OrderID); err != nil && !errs.IsUnknownOrder(err) {
			logger.Warn("failed to cancel order on stop", zap.Int64("orderId", o.OrderID), zap.Error(err))
		} else {
			logger.Info("canceled order on stop", zap.Int64("orderId", o.OrderID))
		}
	}
}

// rebuildOpenOrders fetches every order currently open on the exchange
// whose clientOrderId carries botTag's prefix, and converts it back
// into a local Order record. Called at the top of Start so a resumed
// runner recognises orders it placed before a restart instead of
// placing a fresh set on top of them.
func rebuildOpenOrders(ctx context.Context, gw gateway.Gateway, symbol, botTag string) ([]models.Order, error) {
	views, err := gw.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	prefix := botTag + "-"
	out := make([]models.Order, 0, len(views))
	for _, v := range views {
		if !strings.HasPrefix(v.ClientOrderID, prefix) {
			continue
		}
		out = append(out, models.Order{
			OrderID:        v.OrderID,
			ClientOrderID:  v.ClientOrderID,
			Symbol:         v.Symbol,
			Side:           v.Side,
			Price:          v.Price,
			Qty:            v.OrigQty - v.ExecutedQty,
			Status:         models.OrderOpen,
			LastUpdateTime: time.Now(),
		})
	}
	return out, nil
}

// SymbolFiltersCache caches one bot's exchange filters for its
// lifetime; filters don't change while a bot runs, so a single fetch
// at start suffices.
type SymbolFiltersCache struct {
	filters *models.SymbolFilters
}

func (s *SymbolFiltersCache) Get(ctx context.Context, gw gateway.Gateway, symbol string) (*models.SymbolFilters, error) {
	if s.filters != nil {
		return s.filters, nil
	}
	f, err := gw.SymbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.filters = f
	return f, nil
}

// wireExecutionReport mirrors the exchange's abbreviated
// executionReport field names (s/c/i/S/p/q/…), matching the style of
// the teacher's ExecutionReport struct (which used the long-form
// names of the futures ORDER_TRADE_UPDATE payload instead).
type wireExecutionReport struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	OrderID       int64  `json:"i"`
	Side          string `json:"S"`
	Price         string `json:"p"`
	OrigQty       string `json:"q"`
	LastFilledQty string `json:"l"`
	CumFilledQty  string `json:"z"`
	LastFillPrice string `json:"L"`
	Status        string `json:"X"`
	TransactTime  int64  `json:"T"`
}

// extractFillReport pulls an execution_report event off the bus,
// decodes it, and reports ok=false unless it is a fill for symbol.
// Shared by every runner's order-event handler so the "ignore unless
// symbol matches and status is FILLED/PARTIALLY_FILLED" rule (§4.5)
// lives in one place.
func extractFillReport(ev eventbus.Event, symbol string) (models.ExecutionReport, bool) {
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok {
		return models.ExecutionReport{}, false
	}
	raw, ok := payload["raw"].(json.RawMessage)
	if !ok {
		return models.ExecutionReport{}, false
	}
	report, err := decodeExecutionReport(raw)
	if err != nil {
		return models.ExecutionReport{}, false
	}
	if report.Symbol != symbol {
		return models.ExecutionReport{}, false
	}
	if report.Status != models.ExchangeFilled && report.Status != models.ExchangePartiallyFilled {
		return models.ExecutionReport{}, false
	}
	return report, true
}

// decodeExecutionReport parses one raw executionReport frame into the
// runner-local ExecutionReport shape.
func decodeExecutionReport(raw []byte) (models.ExecutionReport, error) {
	var w wireExecutionReport
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.ExecutionReport{}, err
	}
	parse := func(s string) float64 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	return models.ExecutionReport{
		Symbol:        w.Symbol,
		ClientOrderID: w.ClientOrderID,
		OrderID:       w.OrderID,
		Side:          models.Side(w.Side),
		Price:         parse(w.Price),
		OrigQty:       parse(w.OrigQty),
		LastFilledQty: parse(w.LastFilledQty),
		CumFilledQty:  parse(w.CumFilledQty),
		LastFillPrice: parse(w.LastFillPrice),
		Status:        models.ExchangeOrderState(w.Status),
		TransactTime:  w.TransactTime,
	}, nil
}
