// Package manager owns the bot registry (C8): creating, starting,
// stopping, and resuming bots, and projecting their live state for
// the admin surface, the way the teacher's StateManager owns one
// bot's state but generalized here to own many.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trading-engine/internal/models"
	"trading-engine/internal/persistence"
	"trading-engine/internal/runner"
)

// RunnerFactory builds the strategy runner for a bot, given a Handle
// back-reference into the manager. Supplied by the process entrypoint
// so the manager never imports the gateway/cache/bus packages its
// runners depend on.
type RunnerFactory func(handle runner.Handle, strategy models.Strategy) (runner.Runner, error)

// botEntry is one registry slot: the bot record, its runner (nil
// while stopped), and two locks. lifecycle serialises start/stop
// transitions (§5's "at most one callback mutates a given bot's
// state at a time" rule) and is held across the call into the
// runner; mu guards the bot struct's fields only and is never held
// while calling into the runner, since the runner's Handle locks mu
// itself to read those same fields mid-call.
type botEntry struct {
	lifecycle sync.Mutex
	mu        sync.Mutex
	bot       *models.Bot
	runner    runner.Runner
}

// Manager is the bot registry: every bot created, started, stopped,
// or resumed in this process goes through it.
type Manager struct {
	mu      sync.RWMutex
	bots    map[string]*botEntry
	store   persistence.Store
	factory RunnerFactory
	logger  *zap.Logger
}

func New(store persistence.Store, factory RunnerFactory, logger *zap.Logger) *Manager {
	return &Manager{
		bots:    make(map[string]*botEntry),
		store:   store,
		factory: factory,
		logger:  logger,
	}
}

// CreateBotParams is the input to CreateBot.
type CreateBotParams struct {
	Name     string
	Strategy models.Strategy
	Symbol   string
	Config   models.Config
}

// CreateBot allocates a fresh id, persists the initial snapshot
// before constructing the runner (so a crash between the two never
// leaves an unrecoverable bot), then builds the runner and registers
// the entry.
func (m *Manager) CreateBot(p CreateBotParams) (*models.Bot, error) {
	id := uuid.NewString()
	bot := &models.Bot{
		ID:          id,
		Name:        p.Name,
		Strategy:    p.Strategy,
		Symbol:      p.Symbol,
		BotTag:      botTagFromID(id),
		Status:      models.StatusStopped,
		Config:      p.Config,
		TimeCreated: time.Now(),
	}

	if err := m.store.SaveBotState(bot.ID, bot.ToSnapshot(time.Now())); err != nil {
		return nil, fmt.Errorf("persist initial snapshot: %w", err)
	}

	entry := &botEntry{bot: bot}
	r, err := m.factory(newBotHandle(m, entry), bot.Strategy)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	entry.runner = r

	m.mu.Lock()
	m.bots[id] = entry
	m.mu.Unlock()

	return bot, nil
}

// botTagFromID derives the clientOrderId tag from a bot id's first
// '-'-delimited segment (the uuid's first group), computed once at
// creation and never recomputed.
func botTagFromID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// StartBot transitions a stopped bot to running. No-op if already
// running. timeStarted is preserved across restarts: it is only set
// when absent.
func (m *Manager) StartBot(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()

	entry.mu.Lock()
	alreadyRunning := entry.bot.Status == models.StatusRunning
	if !alreadyRunning {
		now := time.Now()
		entry.bot.Status = models.StatusRunning
		if entry.bot.TimeStarted == nil {
			entry.bot.TimeStarted = &now
		}
		entry.bot.TimeStopped = nil
		entry.bot.RunStartTime = entry.bot.TimeStarted
	}
	entry.mu.Unlock()

	if alreadyRunning {
		return nil
	}

	// Runner.Start may call back into the Handle, which locks
	// entry.mu itself — never hold it across this call.
	if err := entry.runner.Start(ctx); err != nil {
		m.logger.Error("runner start failed", zap.String("botId", id), zap.Error(err))
	}

	entry.mu.Lock()
	m.persist(entry)
	entry.mu.Unlock()
	return nil
}

// StopBot transitions a running bot to stopped, computing
// lastDurationMs from runStartTime before clearing it.
func (m *Manager) StopBot(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}

	entry.lifecycle.Lock()
	defer entry.lifecycle.Unlock()

	entry.mu.Lock()
	alreadyStopped := entry.bot.Status == models.StatusStopped
	if !alreadyStopped {
		now := time.Now()
		if entry.bot.RunStartTime != nil {
			entry.bot.Stats.LastDurationMs = now.Sub(*entry.bot.RunStartTime).Milliseconds()
		}
		entry.bot.Status = models.StatusStopped
		entry.bot.TimeStopped = &now
		entry.bot.RunStartTime = nil
	}
	entry.mu.Unlock()

	if alreadyStopped {
		return nil
	}

	if err := entry.runner.Stop(ctx); err != nil {
		m.logger.Error("runner stop failed", zap.String("botId", id), zap.Error(err))
	}

	entry.mu.Lock()
	m.persist(entry)
	entry.mu.Unlock()
	return nil
}

// LoadBotsFromDisk reconstructs every persisted bot on startup, and
// for any whose snapshot carries status=running, resumes its runner
// directly without touching timeStarted, so duration continues
// across the restart (§8 S5).
func (m *Manager) LoadBotsFromDisk(ctx context.Context) error {
	ids, err := m.store.ListBotIDs()
	if err != nil {
		return fmt.Errorf("list persisted bots: %w", err)
	}

	for _, id := range ids {
		snap, err := m.store.LoadBotState(id)
		if err != nil {
			m.logger.Error("failed to load bot snapshot", zap.String("botId", id), zap.Error(err))
			continue
		}
		if snap == nil {
			continue
		}

		bot := &models.Bot{ID: id, BotTag: botTagFromID(id)}
		bot.ApplySnapshot(*snap)

		entry := &botEntry{bot: bot}
		r, err := m.factory(newBotHandle(m, entry), bot.Strategy)
		if err != nil {
			m.logger.Error("failed to build runner for persisted bot", zap.String("botId", id), zap.Error(err))
			continue
		}
		entry.runner = r

		m.mu.Lock()
		m.bots[id] = entry
		m.mu.Unlock()

		if bot.Status == models.StatusRunning {
			entry.mu.Lock()
			if entry.bot.TimeStarted != nil {
				entry.bot.RunStartTime = entry.bot.TimeStarted
			}
			entry.mu.Unlock()

			// Runner.Start calls back into the Handle, which locks
			// entry.mu itself — never hold it across this call.
			if err := r.Start(ctx); err != nil {
				m.logger.Error("failed to resume bot runner", zap.String("botId", id), zap.Error(err))
			}
		}
	}
	return nil
}

// UpdateStats adds the given deltas to a bot's persisted stats and
// persists immediately; called by runners through the Handle after
// every round completion.
func (m *Manager) UpdateStats(id string, roundsDelta int64, realizedPnlDelta float64) {
	entry, err := m.lookup(id)
	if err != nil {
		return
	}
	entry.mu.Lock()
	entry.bot.Stats.CompletedRounds += roundsDelta
	entry.bot.Stats.RealizedPnl += realizedPnlDelta
	m.persist(entry)
	entry.mu.Unlock()
}

// Persist writes a bot's current snapshot; called by runners through
// the Handle after mutations that don't flow through UpdateStats.
func (m *Manager) Persist(id string) {
	entry, err := m.lookup(id)
	if err != nil {
		return
	}
	entry.mu.Lock()
	m.persist(entry)
	entry.mu.Unlock()
}

// SetInitialStartPrice writes price onto a bot's persisted config.
// The grid runner calls this once, the first time it picks a
// reference price, so that a restart with no orders left open on the
// exchange reuses the original price instead of recomputing one from
// whatever the market happens to be doing at resume time.
func (m *Manager) SetInitialStartPrice(id string, price float64) {
	entry, err := m.lookup(id)
	if err != nil {
		return
	}
	entry.mu.Lock()
	entry.bot.Config.InitialStartPrice = price
	m.persist(entry)
	entry.mu.Unlock()
}

// persist must be called with entry.mu held.
func (m *Manager) persist(entry *botEntry) {
	if err := m.store.SaveBotState(entry.bot.ID, entry.bot.ToSnapshot(time.Now())); err != nil {
		m.logger.Error("failed to persist bot snapshot", zap.String("botId", entry.bot.ID), zap.Error(err))
	}
}

// ListBots returns a projection of every registered bot with a live
// currentDurationMs for running bots.
func (m *Manager) ListBots() []models.BotView {
	m.mu.RLock()
	entries := make([]*botEntry, 0, len(m.bots))
	for _, e := range m.bots {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	views := make([]models.BotView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		view := models.BotView{Bot: *e.bot}
		if e.bot.Status == models.StatusRunning && e.bot.RunStartTime != nil {
			view.CurrentDurationMs = time.Since(*e.bot.RunStartTime).Milliseconds()
		} else {
			view.CurrentDurationMs = e.bot.Stats.LastDurationMs
		}
		e.mu.Unlock()
		views = append(views, view)
	}
	return views
}

// GetBot returns a single bot's projection.
func (m *Manager) GetBot(id string) (*models.BotView, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	view := models.BotView{Bot: *entry.bot}
	if entry.bot.Status == models.StatusRunning && entry.bot.RunStartTime != nil {
		view.CurrentDurationMs = time.Since(*entry.bot.RunStartTime).Milliseconds()
	} else {
		view.CurrentDurationMs = entry.bot.Stats.LastDurationMs
	}
	return &view, nil
}

// RunnerDetails exposes the live open-order/P&L view of a bot's
// runner, used by the admin surface's detail endpoint.
func (m *Manager) RunnerDetails(id string) (runner.Details, error) {
	entry, err := m.lookup(id)
	if err != nil {
		return runner.Details{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.runner.Details(), nil
}

// PublishBotError marks a bot stopped after its runner reports a
// fatal-to-bot error (§7); it stays in the registry, just no longer
// running.
func (m *Manager) PublishBotError(id string) {
	entry, err := m.lookup(id)
	if err != nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	now := time.Now()
	if entry.bot.RunStartTime != nil {
		entry.bot.Stats.LastDurationMs = now.Sub(*entry.bot.RunStartTime).Milliseconds()
	}
	entry.bot.Status = models.StatusStopped
	entry.bot.TimeStopped = &now
	entry.bot.RunStartTime = nil
	m.persist(entry)
}

func (m *Manager) lookup(id string) (*botEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s not found", id)
	}
	return entry, nil
}
