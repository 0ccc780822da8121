// Command engine is the process entrypoint: it loads configuration,
// wires every component together, resumes persisted bots, and serves
// the admin HTTP/WS surface until SIGINT/SIGTERM asks it to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/cache"
	"trading-engine/internal/config"
	"trading-engine/internal/eventbus"
	"trading-engine/internal/gateway"
	"trading-engine/internal/httpapi"
	"trading-engine/internal/logger"
	"trading-engine/internal/manager"
	"trading-engine/internal/models"
	"trading-engine/internal/persistence"
	"trading-engine/internal/retry"
	"trading-engine/internal/runner"
	"trading-engine/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "engine: fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env", "config.json")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log)
	defer log.Sync()

	retry.Default = retry.Policy{
		Attempts:  cfg.Retry.MaxAttempts,
		BaseDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		Factor:    2,
		MaxDelay:  time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := gateway.New(ctx, cfg.APIKey, cfg.APISecret, cfg.BaseURL, log)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	var mirror cache.Mirror
	if cfg.RedisAddr != "" {
		mirror = cache.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	priceCache := cache.New(mirror)

	bus := eventbus.New(log)

	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer store.Close()

	factory := func(handle runner.Handle, strategy models.Strategy) (runner.Runner, error) {
		switch strategy {
		case models.StrategyGrid:
			return runner.NewGridRunner(handle, gw, priceCache, bus, log), nil
		case models.StrategyDCABuy:
			return runner.NewDCABuyRunner(handle, gw, priceCache, bus, log), nil
		case models.StrategyDCASell:
			return runner.NewDCASellRunner(handle, gw, priceCache, bus, log), nil
		default:
			return nil, fmt.Errorf("unknown strategy %q", strategy)
		}
	}

	mgr := manager.New(store, factory, log)

	botErrors := bus.Subscribe(eventbus.KindBot)
	go func() {
		for ev := range botErrors {
			payload, ok := ev.Payload.(map[string]interface{})
			if !ok || payload["event"] != "bot_error" {
				continue
			}
			botID, _ := payload["botId"].(string)
			if botID == "" {
				continue
			}
			log.Warn("bot reported fatal error, stopping", zap.String("botId", botID), zap.Any("error", payload["error"]))
			mgr.PublishBotError(botID)
		}
	}()

	if err := mgr.LoadBotsFromDisk(ctx); err != nil {
		return fmt.Errorf("resume persisted bots: %w", err)
	}

	marketStream := stream.NewMarketStream(bus, priceCache, cfg.WSBaseURL, log)
	for _, symbol := range cfg.SubscribeSymbols {
		marketStream.Subscribe(ctx, symbol, "trade")
		marketStream.Subscribe(ctx, symbol, "kline_1m")
	}
	defer marketStream.CloseAll()

	userStream := stream.NewUserStream(gw, bus, priceCache, cfg.WSBaseURL, log)
	if err := userStream.Start(ctx); err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}
	defer userStream.Stop()

	handler := httpapi.New(gw, mgr, bus, log)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	go func() {
		log.Info("admin surface listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	log.Info("engine started", zap.String("symbols", strings.Join(cfg.SubscribeSymbols, ",")))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	stopRunningBots(shutdownCtx, mgr)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	return nil
}

// stopRunningBots stops every bot still running at shutdown time so
// its strategy runner tears down cleanly rather than being killed
// mid-cycle.
func stopRunningBots(ctx context.Context, mgr *manager.Manager) {
	for _, b := range mgr.ListBots() {
		if b.Status != models.StatusRunning {
			continue
		}
		if err := mgr.StopBot(ctx, b.ID); err != nil {
			continue
		}
	}
}
