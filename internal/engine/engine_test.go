package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
	"polytrade.com/internal/scheduler"
	"polytrade.com/internal/store"
)

type fakeUpstream struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeUpstream) SubscribeMarket(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "sub:"+symbol)
	return nil
}

func (f *fakeUpstream) UnsubscribeMarket(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unsub:"+symbol)
	return nil
}

func TestFeedHubRefcountsUpstream(t *testing.T) {
	up := &fakeUpstream{}
	hub := NewFeedHub(up, 4, logger.Nop())
	ctx := context.Background()

	a, cancelA, err := hub.Subscribe(ctx, "BTC_USDT")
	require.NoError(t, err)
	b, cancelB, err := hub.Subscribe(ctx, "BTC_USDT")
	require.NoError(t, err)
	_, cancelC, err := hub.Subscribe(ctx, "ETH_USDT")
	require.NoError(t, err)

	hub.OnTick(model.Tick{Symbol: "BTC_USDT", Price: 100})
	assert.Equal(t, 100.0, (<-a).Price)
	assert.Equal(t, 100.0, (<-b).Price)

	last, ok := hub.Last("BTC_USDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, last.Price)
	assert.ElementsMatch(t, []string{"BTC_USDT", "ETH_USDT"}, hub.ActiveSymbols())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	cancelB()
	cancelC()
	assert.Equal(t, []string{"sub:BTC_USDT", "sub:ETH_USDT", "unsub:BTC_USDT", "unsub:ETH_USDT"}, up.calls)
	assert.Empty(t, hub.ActiveSymbols())
}

func TestFeedHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewFeedHub(nil, 2, logger.Nop())
	ch, cancel, err := hub.Subscribe(context.Background(), "BTC_USDT")
	require.NoError(t, err)
	defer cancel()

	for i := 1; i <= 5; i++ {
		hub.OnTick(model.Tick{Symbol: "BTC_USDT", Price: float64(i)})
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, 1.0, (<-ch).Price)
}

func TestFeedHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewFeedHub(nil, 2, logger.Nop())
	ch, cancel, err := hub.Subscribe(context.Background(), "BTC_USDT")
	require.NoError(t, err)

	hub.Close()
	_, open := <-ch
	assert.False(t, open)
	cancel()

	_, _, err = hub.Subscribe(context.Background(), "BTC_USDT")
	assert.ErrorIs(t, err, domain.ErrFeedClosed)
	hub.OnTick(model.Tick{Symbol: "BTC_USDT", Price: 1})
}

type fakeBacktests struct {
	recovered, closed bool
	err               error
}

func (f *fakeBacktests) Recover(context.Context) error {
	f.recovered = true
	return f.err
}

func (f *fakeBacktests) Close() { f.closed = true }

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "pt_")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	cfg := config.Default().Scheduler
	cfg.Tick = time.Hour
	return scheduler.New(cfg, scheduler.Deps{
		Store: store.New(db),
		Factory: func(context.Context, model.AgentSession) (scheduler.Task, error) {
			return nil, errors.New("no tasks in this test")
		},
	})
}

func TestEngineStartStop(t *testing.T) {
	bt := &fakeBacktests{}
	hub := NewFeedHub(nil, 4, logger.Nop())
	e := NewEngine(Deps{
		Hub:       hub,
		Scheduler: newScheduler(t),
		Backtests: bt,
		Bus:       event.NewBus(16, logger.Nop()),
	})

	require.NoError(t, e.Start())
	assert.True(t, bt.recovered)

	ch, _, err := hub.Subscribe(context.Background(), "BTC_USDT")
	require.NoError(t, err)

	e.Stop()
	e.Stop()
	assert.True(t, bt.closed)
	_, open := <-ch
	assert.False(t, open)
}

func TestEngineStartFailsWhenRecoveryFails(t *testing.T) {
	bt := &fakeBacktests{err: errors.New("db down")}
	e := NewEngine(Deps{
		Hub:       NewFeedHub(nil, 4, logger.Nop()),
		Scheduler: newScheduler(t),
		Backtests: bt,
		Bus:       event.NewBus(16, logger.Nop()),
	})
	assert.ErrorContains(t, e.Start(), "db down")
}
