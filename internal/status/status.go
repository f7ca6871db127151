// Package status holds the process-wide sync state. The sync engine is the
// only writer; every other component gets a Reader.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/statusbus"
)

const (
	MsgOnline        = "Online"
	MsgOffline       = "Offline (working locally)"
	MsgSyncing       = "Syncing..."
	MsgNotConfigured = "Sync not configured"
)

type Reader interface {
	Snapshot() domain.StatusEvent
	// Subscribe delivers every later transition until cancel is called. A
	// subscriber that falls behind by more than buffer events misses some.
	Subscribe(buffer int) (events <-chan domain.StatusEvent, cancel func())
}

type Publisher struct {
	mu     sync.Mutex
	state  domain.StatusEvent
	subs   map[int]chan domain.StatusEvent
	nextID int

	bus     statusbus.Bus
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func New(bus statusbus.Bus, logger *slog.Logger) *Publisher {
	if bus == nil {
		bus = statusbus.NoopBus{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		subs:    make(map[int]chan domain.StatusEvent),
		bus:     bus,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "status"),
		now:     time.Now,
	}
	p.state = domain.StatusEvent{Message: MsgOffline, At: p.now().UTC()}
	return p
}

func (p *Publisher) Snapshot() domain.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyEvent(p.state)
}

func (p *Publisher) Subscribe(buffer int) (<-chan domain.StatusEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.StatusEvent, buffer)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Publisher) SetOnline(online bool) {
	p.update(func(s *domain.StatusEvent) {
		s.Online = online
		if online {
			s.Message = MsgOnline
			return
		}
		s.Message = MsgOffline
		s.Syncing = false
	})
}

func (p *Publisher) BeginSync() {
	p.update(func(s *domain.StatusEvent) {
		s.Syncing = true
		s.Message = MsgSyncing
	})
}

// EndSync records a finished cycle and renders its summary message.
func (p *Publisher) EndSync(result domain.CycleResult) {
	finished := p.now()
	p.update(func(s *domain.StatusEvent) {
		s.Syncing = false
		r := result
		s.LastResult = &r
		switch result.Outcome {
		case domain.OutcomeOK:
			at := finished.UTC()
			s.LastSyncTime = &at
			s.Message = SummaryMessage(result, finished)
		case domain.OutcomeError:
			s.Message = "Sync error: " + result.Error
		}
	})
}

// Announce replaces the message without touching the flags.
func (p *Publisher) Announce(message string) {
	p.update(func(s *domain.StatusEvent) {
		s.Message = message
	})
}

// SummaryMessage renders the status line shown after a completed cycle.
func SummaryMessage(result domain.CycleResult, at time.Time) string {
	clock := at.Local().Format("15:04")
	switch {
	case result.Pushed > 0 && result.Failed > 0:
		return fmt.Sprintf("Synced (%d changes, %d failed) - %s", result.Pushed, result.Failed, clock)
	case result.Pushed > 0:
		return fmt.Sprintf("Synced (%d changes) - %s", result.Pushed, clock)
	case result.Failed > 0:
		return fmt.Sprintf("Sync error: %d records failed - %s", result.Failed, clock)
	default:
		return fmt.Sprintf("%s - %s", MsgOnline, clock)
	}
}

func (p *Publisher) update(mutate func(*domain.StatusEvent)) {
	p.mu.Lock()
	mutate(&p.state)
	p.state.At = p.now().UTC()
	event := copyEvent(p.state)
	for _, ch := range p.subs {
		select {
		case ch <- event:
		default:
		}
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Debug("status bus publish failed", "error", err)
	}
}

func copyEvent(e domain.StatusEvent) domain.StatusEvent {
	if e.LastSyncTime != nil {
		t := *e.LastSyncTime
		e.LastSyncTime = &t
	}
	if e.LastResult != nil {
		r := *e.LastResult
		if r.PerKind != nil {
			perKind := make(map[domain.EntityKind]domain.KindResult, len(r.PerKind))
			for k, v := range r.PerKind {
				perKind[k] = v
			}
			r.PerKind = perKind
		}
		e.LastResult = &r
	}
	return e
}
