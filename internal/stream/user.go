package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/eventbus"
)

const listenKeyKeepAlive = 30 * time.Second

// ListenKeySource is the slice of Gateway the user stream needs.
type ListenKeySource interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
}

// UserStream delivers execution reports and account updates over the
// exchange's user-data WebSocket, keeping the listen key alive and
// reconnecting (with a fresh key) on disconnect.
type UserStream struct {
	gateway   ListenKeySource
	bus       *eventbus.Bus
	cache     *cache.Cache
	wsBaseURL string
	logger    *zap.Logger

	stop chan struct{}
}

func NewUserStream(gateway ListenKeySource, bus *eventbus.Bus, c *cache.Cache, wsBaseURL string, logger *zap.Logger) *UserStream {
	return &UserStream{
		gateway:   gateway,
		bus:       bus,
		cache:     c,
		wsBaseURL: wsBaseURL,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start launches the keepalive loop and the reconnect loop. It
// returns once the first listen key has been obtained; both loops
// keep running in the background until Stop.
func (s *UserStream) Start(ctx context.Context) error {
	listenKey, err := s.gateway.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}

	var currentKey atomic.Value
	currentKey.Store(listenKey)
	go s.keepAliveLoop(ctx, &currentKey)
	go runLoop(ctx, s.stop, s.logger, "user", userReconnectBase, func(dialCtx context.Context) (*websocket.Conn, error) {
		// Each reconnect attempt mints a fresh listen key.
		key, err := s.gateway.CreateListenKey(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("refresh listen key: %w", err)
		}
		currentKey.Store(key)
		return s.dial(dialCtx, key)
	}, s.handleFrame)

	return nil
}

// Stop cancels keepalive and closes the active connection; runLoop
// observes the closed channel and exits without reconnecting.
func (s *UserStream) Stop() {
	close(s.stop)
}

func (s *UserStream) keepAliveLoop(ctx context.Context, currentKey *atomic.Value) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			key := currentKey.Load().(string)
			if err := s.gateway.KeepAliveListenKey(ctx, key); err != nil {
				s.logger.Warn("listen key keepalive failed", zap.Error(err))
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *UserStream) dial(ctx context.Context, listenKey string) (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s/ws/%s", s.wsBaseURL, listenKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	return conn, err
}

type userEventEnvelope struct {
	EventType string `json:"e"`
}

type accountUpdate struct {
	Balances []struct {
		Asset string `json:"a"`
		Free  string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

func (s *UserStream) handleFrame(raw []byte) error {
	var env userEventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	switch env.EventType {
	case "executionReport", "ORDER_TRADE_UPDATE":
		s.bus.Publish(eventbus.KindOrder, map[string]interface{}{
			"event": "execution_report",
			"raw":   json.RawMessage(raw),
		})
	case "outboundAccountPosition", "ACCOUNT_UPDATE":
		var upd accountUpdate
		if err := json.Unmarshal(raw, &upd); err == nil {
			balances := make(map[string]interface{}, len(upd.Balances))
			for _, b := range upd.Balances {
				balances[b.Asset] = map[string]string{"free": b.Free, "locked": b.Locked}
			}
			s.cache.Set(context.Background(), cache.BalancesKey, balances, 0)
		}
		s.bus.Publish(eventbus.KindUserEvent, json.RawMessage(raw))
	default:
		s.bus.Publish(eventbus.KindUserEvent, json.RawMessage(raw))
	}
	return nil
}
