package manager

import (
	"trading-engine/internal/models"
	"trading-engine/internal/runner"
)

// botHandle is the runner.Handle the manager hands to every runner it
// builds: a thin id-scoped accessor back into the manager, never the
// *models.Bot itself, so a runner can never outlive or directly
// mutate the bot it belongs to (§9 "back-reference, never an
// ownership edge").
type botHandle struct {
	m     *Manager
	entry *botEntry
}

func newBotHandle(m *Manager, entry *botEntry) runner.Handle {
	return &botHandle{m: m, entry: entry}
}

func (h *botHandle) ID() string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.bot.ID
}

func (h *botHandle) BotTag() string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.bot.BotTag
}

func (h *botHandle) Symbol() string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.bot.Symbol
}

func (h *botHandle) Config() models.Config {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return h.entry.bot.Config
}

func (h *botHandle) UpdateStats(roundsDelta int64, realizedPnlDelta float64) {
	h.m.UpdateStats(h.entry.bot.ID, roundsDelta, realizedPnlDelta)
}

func (h *botHandle) Persist() {
	h.m.Persist(h.entry.bot.ID)
}

func (h *botHandle) SetInitialStartPrice(price float64) {
	h.m.SetInitialStartPrice(h.entry.bot.ID, price)
}
