package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/backend/internal/domain"
	"possync/backend/internal/logging"
)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (b *recordingBus) Publish(_ context.Context, e domain.StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func fixedClock(p *Publisher) time.Time {
	at := time.Date(2024, 6, 1, 14, 5, 0, 0, time.Local)
	p.now = func() time.Time { return at }
	return at
}

func TestStartsOffline(t *testing.T) {
	p := New(nil, logging.Discard())
	s := p.Snapshot()
	assert.False(t, s.Online)
	assert.False(t, s.Syncing)
	assert.Equal(t, MsgOffline, s.Message)
}

func TestTransitionsAreBroadcast(t *testing.T) {
	bus := &recordingBus{}
	p := New(bus, logging.Discard())
	at := fixedClock(p)
	events, cancel := p.Subscribe(8)
	defer cancel()

	p.SetOnline(true)
	p.BeginSync()
	p.EndSync(domain.CycleResult{Outcome: domain.OutcomeOK, Online: true, Pushed: 3})

	want := []string{MsgOnline, MsgSyncing, "Synced (3 changes) - 14:05"}
	for _, msg := range want {
		select {
		case e := <-events:
			assert.Equal(t, msg, e.Message)
		case <-time.After(time.Second):
			t.Fatalf("missing event %q", msg)
		}
	}

	snap := p.Snapshot()
	require.NotNil(t, snap.LastSyncTime)
	assert.True(t, snap.LastSyncTime.Equal(at))
	assert.False(t, snap.Syncing)
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, 3, snap.LastResult.Pushed)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Len(t, bus.events, 3)
}

func TestOfflineClearsSyncing(t *testing.T) {
	p := New(nil, logging.Discard())
	p.SetOnline(true)
	p.BeginSync()
	p.SetOnline(false)
	s := p.Snapshot()
	assert.False(t, s.Syncing)
	assert.Equal(t, MsgOffline, s.Message)
}

func TestErrorOutcomeKeepsLastSyncTime(t *testing.T) {
	p := New(nil, logging.Discard())
	fixedClock(p)
	p.EndSync(domain.CycleResult{Outcome: domain.OutcomeOK})
	first := p.Snapshot().LastSyncTime

	p.EndSync(domain.CycleResult{Outcome: domain.OutcomeError, Error: "boom"})
	s := p.Snapshot()
	assert.Equal(t, "Sync error: boom", s.Message)
	require.NotNil(t, s.LastSyncTime)
	assert.True(t, s.LastSyncTime.Equal(*first))
}

func TestSummaryMessage(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 7, 0, 0, time.Local)
	assert.Equal(t, "Online - 09:07", SummaryMessage(domain.CycleResult{}, at))
	assert.Equal(t, "Synced (2 changes, 1 failed) - 09:07", SummaryMessage(domain.CycleResult{Pushed: 2, Failed: 1}, at))
	assert.Equal(t, "Sync error: 4 records failed - 09:07", SummaryMessage(domain.CycleResult{Failed: 4}, at))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	p := New(nil, logging.Discard())
	_, cancel := p.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 10 {
			p.Announce("tick")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on a full subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	p := New(nil, logging.Discard())
	events, cancel := p.Subscribe(1)
	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
	p.Announce("after cancel")
}

func TestSnapshotIsACopy(t *testing.T) {
	p := New(nil, logging.Discard())
	p.EndSync(domain.CycleResult{Outcome: domain.OutcomeOK, PerKind: map[domain.EntityKind]domain.KindResult{domain.KindSales: {Pushed: 1}}})
	s := p.Snapshot()
	s.LastResult.PerKind[domain.KindSales] = domain.KindResult{Pushed: 99}
	assert.Equal(t, 1, p.Snapshot().LastResult.PerKind[domain.KindSales].Pushed)
}
