// Package models defines the shared data model for bots, orders and
// exchange trading rules used across the engine.
package models

import "time"

// Strategy identifies which runner a bot executes.
type Strategy string

const (
	StrategyGrid    Strategy = "grid"
	StrategyDCABuy  Strategy = "dca_buy"
	StrategyDCASell Strategy = "dca_sell"
)

// Status is the coarse lifecycle state of a bot.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Options carries the optional, mostly-reserved knobs accepted on
// Bot.Config. None of them has runtime behavior (RecenterEnabled
// included): they round-trip through persistence untouched. The only
// duration knob with runtime behavior is DurationMinutes, on Config
// itself.
type Options struct {
	StartPrice        *string `json:"startPrice,omitempty"`
	Capital           *string `json:"capital,omitempty"`
	RecenterEnabled   bool    `json:"recenterEnabled,omitempty"`
	RecenterMinutes   int     `json:"recenterMinutes,omitempty"`
	SellOnStopEnabled bool    `json:"sellOnStopEnabled,omitempty"`
	SellOnStopMinutes int     `json:"sellOnStopMinutes,omitempty"`
}

// Config holds a bot's strategy parameters. GridSpread/OrderSize are
// plain decimals (quote units for GridSpread; a quote-currency budget
// per level for grid order size, base units for DCA order size — see
// DESIGN.md open question #1).
type Config struct {
	GridLevels        int     `json:"gridLevels"`
	GridSpread        float64 `json:"gridSpread"`
	OrderSize         float64 `json:"orderSize"`
	TakeProfit        float64 `json:"takeProfit,omitempty"`
	DurationMinutes   int     `json:"durationMinutes"`
	InitialStartPrice float64 `json:"initialStartPrice,omitempty"`
	Options           Options `json:"options"`
}

// Stats tracks a bot's running totals. FloatingPnl is a derived view
// recomputed on read (see runner.Details) and is never persisted.
type Stats struct {
	CompletedRounds int64   `json:"completedRounds"`
	RealizedPnl     float64 `json:"realizedPnl"`
	LastDurationMs  int64   `json:"lastDurationMs"`
}

// Bot is the persisted identity and mutable state of one strategy
// instance. Times are pointers so "unset" survives a JSON round-trip
// as null rather than the zero time.
type Bot struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Strategy Strategy `json:"strategy"`
	Symbol   string   `json:"symbol"`
	// BotTag is derived once from ID (its first '-'-delimited segment)
	// and never recomputed; every clientOrderId this bot places is
	// prefixed with it so reconciliation can recognise its own orders.
	BotTag string `json:"botTag"`

	Status Status `json:"status"`
	Config Config `json:"config"`
	Stats  Stats  `json:"stats"`

	TimeCreated time.Time  `json:"timeCreated"`
	TimeStarted *time.Time `json:"timeStarted,omitempty"`
	TimeStopped *time.Time `json:"timeStopped,omitempty"`

	// RunStartTime is in-memory only: equal to TimeStarted while
	// running, cleared on stop. Never serialized.
	RunStartTime *time.Time `json:"-"`
}

// Snapshot is the wire/disk shape persisted by the store: the bot's
// identity plus the mutable fields, wrapped with an updatedAt stamp.
type Snapshot struct {
	UpdatedAt int64        `json:"updatedAt"`
	State     SnapshotBody `json:"state"`
}

// SnapshotBody mirrors §6's documented snapshot fields, extended with
// the timestamps needed to satisfy the resume-across-restart and
// round-trip invariants (§8 S5) that the documented field list alone
// cannot support.
type SnapshotBody struct {
	Name        string     `json:"name"`
	Strategy    Strategy   `json:"strategy"`
	Symbol      string     `json:"symbol"`
	Status      Status     `json:"status"`
	Config      Config     `json:"config"`
	Stats       Stats      `json:"stats"`
	TimeCreated time.Time  `json:"timeCreated"`
	TimeStarted *time.Time `json:"timeStarted,omitempty"`
	TimeStopped *time.Time `json:"timeStopped,omitempty"`
}

// ToSnapshot projects a Bot into its persisted shape.
func (b *Bot) ToSnapshot(updatedAt time.Time) Snapshot {
	return Snapshot{
		UpdatedAt: updatedAt.UnixMilli(),
		State: SnapshotBody{
			Name:        b.Name,
			Strategy:    b.Strategy,
			Symbol:      b.Symbol,
			Status:      b.Status,
			Config:      b.Config,
			Stats:       b.Stats,
			TimeCreated: b.TimeCreated,
			TimeStarted: b.TimeStarted,
			TimeStopped: b.TimeStopped,
		},
	}
}

// ApplySnapshot copies a persisted snapshot's fields onto a bot whose
// ID/BotTag are already known (the id is the store's key, not part of
// the body).
func (b *Bot) ApplySnapshot(snap Snapshot) {
	b.Name = snap.State.Name
	b.Strategy = snap.State.Strategy
	b.Symbol = snap.State.Symbol
	b.Status = snap.State.Status
	b.Config = snap.State.Config
	b.Stats = snap.State.Stats
	b.TimeCreated = snap.State.TimeCreated
	b.TimeStarted = snap.State.TimeStarted
	b.TimeStopped = snap.State.TimeStopped
}

// BotView is the projection returned by listBots/getDetails: a Bot
// plus a live duration computed relative to "now".
type BotView struct {
	Bot
	CurrentDurationMs int64 `json:"currentDurationMs"`
}
