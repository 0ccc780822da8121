package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/eventbus"
)

// MarketStream maintains one WebSocket per subscribed (symbol,
// streamType) pair — e.g. "trade" or "kline_1m" — writing the latest
// price into the cache and publishing market/kline bus events.
type MarketStream struct {
	bus       *eventbus.Bus
	cache     *cache.Cache
	wsBaseURL string
	logger    *zap.Logger

	mu     sync.Mutex
	stops  []chan struct{}
}

func NewMarketStream(bus *eventbus.Bus, c *cache.Cache, wsBaseURL string, logger *zap.Logger) *MarketStream {
	return &MarketStream{bus: bus, cache: c, wsBaseURL: wsBaseURL, logger: logger}
}

// Subscribe starts one reconnect-managed connection for symbol's
// streamType (e.g. "trade", "kline_1m") and returns immediately.
func (m *MarketStream) Subscribe(ctx context.Context, symbol, streamType string) {
	stop := make(chan struct{})
	m.mu.Lock()
	m.stops = append(m.stops, stop)
	m.mu.Unlock()

	label := fmt.Sprintf("%s@%s", symbol, streamType)
	go runLoop(ctx, stop, m.logger, label, marketReconnect, func(dialCtx context.Context) (*websocket.Conn, error) {
		wsURL := fmt.Sprintf("%s/ws/%s@%s", m.wsBaseURL, strings.ToLower(symbol), streamType)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
		return conn, err
	}, func(raw []byte) error {
		return m.handleFrame(symbol, streamType, raw)
	})
}

// CloseAll stops every subscription's reconnect loop and suppresses
// further reconnections, matching the stream client's closeAll
// shutdown contract.
func (m *MarketStream) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stop := range m.stops {
		close(stop)
	}
	m.stops = nil
}

type tradeFrame struct {
	Price string `json:"p"`
}

type klineFrame struct {
	K struct {
		Close string `json:"c"`
	} `json:"k"`
}

func (m *MarketStream) handleFrame(symbol, streamType string, raw []byte) error {
	isKline := strings.HasPrefix(streamType, "kline")

	var priceStr string
	if isKline {
		var f klineFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		priceStr = f.K.Close
	} else {
		var f tradeFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		priceStr = f.Price
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return err
	}

	m.cache.Set(context.Background(), cache.PriceKey(symbol), map[string]interface{}{
		"price": price,
		"ts":    time.Now().UnixMilli(),
	}, 0)

	m.bus.Publish(eventbus.KindMarket, map[string]interface{}{"symbol": symbol, "price": price})
	if isKline {
		m.bus.Publish(eventbus.KindKline, json.RawMessage(raw))
	}
	return nil
}
