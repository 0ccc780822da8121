// Package reporter renders bot status as a table, the way the
// teacher's reporter rendered a backtest performance summary — here
// redirected from a once-off backtest report to a live snapshot of
// every bot the engine currently knows about.
package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"trading-engine/internal/models"
)

// PrintBotTable writes a table of bots to w: id, name, strategy,
// symbol, status, duration, completed rounds, realized P&L.
func PrintBotTable(w io.Writer, bots []models.BotView) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "NAME", "STRATEGY", "SYMBOL", "STATUS", "DURATION", "ROUNDS", "REALIZED PNL"})

	for _, b := range bots {
		t.AppendRow(table.Row{
			shortID(b.ID),
			b.Name,
			b.Strategy,
			b.Symbol,
			b.Status,
			formatDuration(b.CurrentDurationMs),
			b.Stats.CompletedRounds,
			fmt.Sprintf("%.8f", b.Stats.RealizedPnl),
		})
	}

	t.Render()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatDuration(ms int64) string {
	return time.Duration(ms * int64(time.Millisecond)).Round(time.Second).String()
}
