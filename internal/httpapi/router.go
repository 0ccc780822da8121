// Package httpapi is the admin/observer surface (C12): REST endpoints
// for price/kline/symbol/balance lookups and bot CRUD, plus a /ws
// fan-out of every bus event, mounted on chi the way the rest of this
// pack's services mount their admin routers.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"trading-engine/internal/eventbus"
	"trading-engine/internal/gateway"
	"trading-engine/internal/manager"
)

// Server bundles everything the HTTP handlers need to answer a
// request: the gateway for live exchange reads, the bot manager for
// registry operations, and the bus for the websocket hub.
type Server struct {
	gateway gateway.Gateway
	manager *manager.Manager
	bus     *eventbus.Bus
	hub     *wsHub
	logger  *zap.Logger
}

// New builds the chi router. addr is not bound here; the caller owns
// the http.Server lifecycle so it can participate in graceful
// shutdown alongside the rest of the process.
func New(gw gateway.Gateway, mgr *manager.Manager, bus *eventbus.Bus, logger *zap.Logger) http.Handler {
	s := &Server{
		gateway: gw,
		manager: mgr,
		bus:     bus,
		hub:     newWSHub(bus, logger),
		logger:  logger,
	}
	go s.hub.run()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/price", s.handlePrice)
		r.Get("/klines", s.handleKlines)
		r.Get("/symbolInfo", s.handleSymbolInfo)
		r.Get("/balances", s.handleBalances)

		r.Route("/bots", func(r chi.Router) {
			r.Get("/", s.handleListBots)
			r.Get("/summary", s.handleBotsSummary)
			r.Post("/", s.handleCreateBot)
			r.Get("/{id}/details", s.handleBotDetails)
			r.Post("/{id}/start", s.handleStartBot)
			r.Post("/{id}/stop", s.handleStopBot)
		})
	})

	r.Get("/ws", s.handleWS)

	return r
}
