package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	bot := &models.Bot{ID: "bot-1", Name: "grid-btc", Strategy: models.StrategyGrid, Symbol: "BTCUSDT"}
	snap := bot.ToSnapshot(time.Now())

	require.NoError(t, store.SaveBotState(bot.ID, snap))

	loaded, err := store.LoadBotState(bot.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "grid-btc", loaded.State.Name)
	assert.Equal(t, models.StrategyGrid, loaded.State.Strategy)
}

func TestLoadMissingReturnsNilNil(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.LoadBotState("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDeleteRemovesOnlyOneBot(t *testing.T) {
	store := newTestStore(t)

	botA := &models.Bot{ID: "bot-a", Name: "a"}
	botB := &models.Bot{ID: "bot-b", Name: "b"}
	require.NoError(t, store.SaveBotState(botA.ID, botA.ToSnapshot(time.Now())))
	require.NoError(t, store.SaveBotState(botB.ID, botB.ToSnapshot(time.Now())))

	require.NoError(t, store.DeleteBotState(botA.ID))

	loadedA, err := store.LoadBotState(botA.ID)
	require.NoError(t, err)
	assert.Nil(t, loadedA)

	loadedB, err := store.LoadBotState(botB.ID)
	require.NoError(t, err)
	require.NotNil(t, loadedB)
}

func TestListBotIDs(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveBotState("bot-1", models.Snapshot{}))
	require.NoError(t, store.SaveBotState("bot-2", models.Snapshot{}))

	ids, err := store.ListBotIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bot-1", "bot-2"}, ids)
}
