// Package gateway is the signed REST client for the exchange (C5):
// time-synchronised request signing, public market data calls, and
// the signed order/account endpoints every runner calls through.
package gateway

import (
	"context"

	"trading-engine/internal/models"
)

// Gateway is the exchange REST surface every runner and stream
// component depends on, kept as an interface so tests can swap in a
// fake without touching net/http.
type Gateway interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]models.OHLC, error)
	SymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error)

	NewOrder(ctx context.Context, params models.OrderParams) (*models.OrderView, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderView, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderView, error)
	GetAllOrders(ctx context.Context, symbol string, opts models.AllOrdersOpts) ([]models.OrderView, error)
	AccountInfo(ctx context.Context) (*models.AccountInfo, error)

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error

	// TimeOffset returns the gateway's current view of serverTime -
	// localTime, in milliseconds, as last refreshed by syncTime.
	TimeOffset() int64
}
