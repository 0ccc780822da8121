package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-engine/internal/models"
	"trading-engine/internal/runner"
)

// fakeStore is an in-memory persistence.Store used so manager tests
// never touch Badger.
type fakeStore struct {
	mu    sync.Mutex
	snaps map[string]models.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string]models.Snapshot)}
}

func (s *fakeStore) SaveBotState(id string, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[id] = snap
	return nil
}

func (s *fakeStore) LoadBotState(id string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *fakeStore) DeleteBotState(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, id)
	return nil
}

func (s *fakeStore) ListBotIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) Close() error { return nil }

// fakeRunner is a runner.Runner whose Start/Stop call back into the
// Handle exactly as the real strategy runners do, so these tests
// exercise the same lock ordering a live runner would.
type fakeRunner struct {
	handle runner.Handle

	mu         sync.Mutex
	startCalls int
	stopCalls  int
}

func (r *fakeRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	r.startCalls++
	r.mu.Unlock()
	_ = r.handle.Symbol()
	_ = r.handle.Config()
	r.handle.Persist()
	return nil
}

func (r *fakeRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopCalls++
	r.mu.Unlock()
	_ = r.handle.ID()
	return nil
}

func (r *fakeRunner) Details() runner.Details { return runner.Details{} }

func fakeFactory() RunnerFactory {
	return func(handle runner.Handle, strategy models.Strategy) (runner.Runner, error) {
		return &fakeRunner{handle: handle}, nil
	}
}

func TestCreateStartStopLifecycle(t *testing.T) {
	m := New(newFakeStore(), fakeFactory(), zap.NewNop())

	bot, err := m.CreateBot(CreateBotParams{Name: "bot1", Strategy: models.StrategyGrid, Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, bot.Status)

	require.NoError(t, m.StartBot(context.Background(), bot.ID))
	view, err := m.GetBot(bot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, view.Status)
	require.NotNil(t, view.TimeStarted)

	require.NoError(t, m.StopBot(context.Background(), bot.ID))
	view, err = m.GetBot(bot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, view.Status)
	assert.GreaterOrEqual(t, view.Stats.LastDurationMs, int64(0))
}

// TestResumeAcrossRestartS5 seeds a store with a snapshot whose
// timeStarted is an hour in the past and status=running, then checks
// that loading it resumes the runner without resetting timeStarted
// and that the live duration reflects the full elapsed hour (§8 S5).
func TestResumeAcrossRestartS5(t *testing.T) {
	store := newFakeStore()
	t0 := time.Now().Add(-1 * time.Hour)

	require.NoError(t, store.SaveBotState("bot-1", models.Snapshot{
		UpdatedAt: t0.UnixMilli(),
		State: models.SnapshotBody{
			Name: "bot1", Strategy: models.StrategyGrid, Symbol: "BTCUSDT",
			Status:      models.StatusRunning,
			Stats:       models.Stats{CompletedRounds: 7},
			TimeCreated: t0,
			TimeStarted: &t0,
		},
	}))

	m := New(store, fakeFactory(), zap.NewNop())
	require.NoError(t, m.LoadBotsFromDisk(context.Background()))

	view, err := m.GetBot("bot-1")
	require.NoError(t, err)
	require.NotNil(t, view.TimeStarted)
	assert.True(t, view.TimeStarted.Equal(t0))
	assert.Equal(t, int64(7), view.Stats.CompletedRounds)
	assert.InDelta(t, time.Hour.Milliseconds(), view.CurrentDurationMs, float64(2*time.Second.Milliseconds()))
}

// TestFatalToBotStopsOnlyThatBotS6 simulates a runner reporting a
// fatal-to-bot error for one bot and checks the other keeps running
// (§8 S6).
func TestFatalToBotStopsOnlyThatBotS6(t *testing.T) {
	m := New(newFakeStore(), fakeFactory(), zap.NewNop())

	botA, err := m.CreateBot(CreateBotParams{Name: "a", Strategy: models.StrategyGrid, Symbol: "BTCUSDT"})
	require.NoError(t, err)
	botB, err := m.CreateBot(CreateBotParams{Name: "b", Strategy: models.StrategyGrid, Symbol: "ETHUSDT"})
	require.NoError(t, err)

	require.NoError(t, m.StartBot(context.Background(), botA.ID))
	require.NoError(t, m.StartBot(context.Background(), botB.ID))

	m.PublishBotError(botA.ID)

	viewA, err := m.GetBot(botA.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, viewA.Status)

	viewB, err := m.GetBot(botB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, viewB.Status)
}
