// Package runner implements the three strategy runners (C9–C11) that
// place orders, react to fills, and reconcile local state against
// the exchange, sharing one interface so the manager never depends
// on a concrete strategy.
package runner

import (
	"context"

	"trading-engine/internal/models"
)

// Runner is the capability interface every strategy implements,
// matching the design note's {start(), stop(), getDetails()} shape.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Details() Details
}

// Details is the runner-specific view the manager returns alongside
// a bot's BotView (RunnerDetails); strategies populate the fields relevant to them and leave
// the rest zero.
type Details struct {
	OpenOrders  []models.Order
	FloatingPnl float64
}

// Handle is the runner's back-reference to its owning bot: never the
// *models.Bot itself (which would create an ownership cycle), just an
// id-scoped accessor the manager implements.
type Handle interface {
	ID() string
	BotTag() string
	Symbol() string
	Config() models.Config

	// UpdateStats adds the given deltas to the bot's persisted stats
	// and immediately persists the snapshot.
	UpdateStats(roundsDelta int64, realizedPnlDelta float64)

	// Persist writes the bot's current snapshot, used by runners after
	// any mutation that doesn't already flow through UpdateStats.
	Persist()

	// SetInitialStartPrice persists price as the bot's
	// Config.InitialStartPrice. The grid runner calls this exactly
	// once, the first time it computes a reference price, so the
	// value survives a restart instead of being silently recomputed.
	SetInitialStartPrice(price float64)
}
