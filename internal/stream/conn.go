// Package stream maintains the exchange's user-data and market
// WebSocket feeds (C6), generalizing the teacher's single hard-coded
// aggTrade webSocketLoop into a reusable reconnect-with-keepalive
// loop parametrized by stream kind.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	marketReconnect   = 5 * time.Second
	userReconnectBase = 1 * time.Second
)

// dialFunc builds a fresh connection URL/dialer for one reconnect
// attempt — a func rather than a fixed URL since the user stream
// needs a fresh listen key on every reconnect.
type dialFunc func(ctx context.Context) (*websocket.Conn, error)

// runLoop connects, then blocks servicing one connection at a time
// via handleMessages; on any error it waits reconnectDelay and dials
// again, until ctx is done or stop is closed.
func runLoop(ctx context.Context, stop <-chan struct{}, logger *zap.Logger, label string, reconnectDelay time.Duration, dial dialFunc, onMessage func([]byte) error) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := dial(ctx)
		if err != nil {
			logger.Warn("stream dial failed, retrying", zap.String("stream", label), zap.Error(err), zap.Duration("delay", reconnectDelay))
			if !sleepOrStop(stop, reconnectDelay) {
				return
			}
			continue
		}

		logger.Info("stream connected", zap.String("stream", label))
		if err := handleMessages(conn, stop, onMessage); err != nil {
			logger.Warn("stream disconnected", zap.String("stream", label), zap.Error(err))
		}
		conn.Close()

		if !sleepOrStop(stop, reconnectDelay) {
			return
		}
	}
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

// handleMessages services one live connection: ping ticker, pong
// deadline refresh, and a read loop dispatching each frame to
// onMessage. It blocks until the connection breaks or stop closes.
func handleMessages(conn *websocket.Conn, stop <-chan struct{}, onMessage func([]byte) error) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-stop:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			if err := onMessage(message); err != nil {
				continue
			}
		}
	}
}
