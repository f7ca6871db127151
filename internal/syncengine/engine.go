// Package syncengine reconciles locally modified records with the remote.
//
// A cycle probes connectivity, reads the remote endpoint from settings, then
// pushes every pending record of every kind and acknowledges each success
// back to the local store. Failures are isolated per record and retried on
// the next cycle.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"possync/backend/internal/domain"
	"possync/backend/internal/pushclient"
	"possync/backend/internal/status"
)

const DefaultInterval = 30 * time.Second

var (
	ErrBusy           = errors.New("sync already in progress")
	ErrAlreadyStarted = errors.New("sync engine already started")
)

type State int32

const (
	Idle State = iota
	Probing
	Syncing
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Syncing:
		return "syncing"
	default:
		return "idle"
	}
}

// ParseState reads the String form back. Unknown values are Idle.
func ParseState(s string) State {
	switch s {
	case "probing":
		return Probing
	case "syncing":
		return Syncing
	default:
		return Idle
	}
}

// Repository is the slice of the local store the engine needs.
type Repository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PendingSync(ctx context.Context, kind domain.EntityKind) ([]domain.Record, error)
	MarkSynced(ctx context.Context, kind domain.EntityKind, id string, version time.Time) error
	PendingCounts(ctx context.Context) (map[domain.EntityKind]int, error)
}

type Prober interface {
	Probe(ctx context.Context) bool
}

type Pusher interface {
	Upsert(ctx context.Context, ep pushclient.Endpoint, kind domain.EntityKind, record domain.Record) error
}

type Recorder interface {
	ObserveCycle(result domain.CycleResult)
	ObservePush(kind domain.EntityKind, took time.Duration, err error)
	SetOnline(online bool)
	SetPending(counts map[domain.EntityKind]int)
}

type Options struct {
	Interval    time.Duration
	Concurrency int
	// Endpoint fields, when set, take precedence over the stored settings.
	Endpoint pushclient.Endpoint
	Kinds    []domain.EntityKind
}

type Engine struct {
	repo    Repository
	prober  Prober
	pusher  Pusher
	status  *status.Publisher
	metrics Recorder
	logger  *slog.Logger
	opts    Options

	busy  atomic.Bool
	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(repo Repository, prober Prober, pusher Pusher, pub *status.Publisher, metrics Recorder, logger *slog.Logger, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 2
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = domain.SyncKinds
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:    repo,
		prober:  prober,
		pusher:  pusher,
		status:  pub,
		metrics: metrics,
		logger:  logger.With("component", "sync"),
		opts:    opts,
	}
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start runs one cycle immediately and then one per interval until Stop is
// called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.loop(loopCtx)
	e.logger.Info("sync loop started", "interval", e.opts.Interval)
	return nil
}

// Stop cancels the loop, abandoning in-flight pushes, and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("sync loop stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	e.tick(ctx)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if _, err := e.RunCycle(ctx); errors.Is(err, ErrBusy) {
		e.logger.Debug("tick skipped, previous cycle still running")
	}
}

// ForceSyncNow runs a cycle out of band. It shares the busy guard with the
// timer, so it returns ErrBusy instead of starting a second batch.
func (e *Engine) ForceSyncNow(ctx context.Context) (domain.CycleResult, error) {
	e.logger.Info("manual sync requested")
	return e.RunCycle(ctx)
}

// RunCycle executes one cycle. Only ErrBusy is returned as an error; every
// other condition is reported through the result outcome.
func (e *Engine) RunCycle(ctx context.Context) (domain.CycleResult, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return domain.CycleResult{Outcome: domain.OutcomeBusy, Online: e.status.Snapshot().Online, StartedAt: time.Now().UTC()}, ErrBusy
	}
	defer e.busy.Store(false)
	defer e.state.Store(int32(Idle))

	result := e.cycle(ctx)
	e.metrics.ObserveCycle(result)
	e.logger.Info("sync cycle finished",
		"outcome", result.Outcome,
		"online", result.Online,
		"pushed", result.Pushed,
		"failed", result.Failed,
		"duration", result.Duration,
	)
	return result, nil
}

func (e *Engine) cycle(ctx context.Context) (result domain.CycleResult) {
	result = domain.CycleResult{StartedAt: time.Now().UTC()}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sync cycle panicked", "panic", r)
			result.Outcome = domain.OutcomeError
			result.Error = fmt.Sprint(r)
			e.status.EndSync(result)
		}
		result.Duration = time.Since(result.StartedAt)
	}()

	e.state.Store(int32(Probing))
	result.Online = e.prober.Probe(ctx)
	e.metrics.SetOnline(result.Online)
	e.status.SetOnline(result.Online)
	if !result.Online {
		result.Outcome = domain.OutcomeOffline
		return result
	}

	ep, err := e.endpoint(ctx)
	if err != nil {
		result.Outcome = domain.OutcomeError
		result.Error = err.Error()
		e.status.EndSync(result)
		return result
	}
	if !ep.Configured() {
		result.Outcome = domain.OutcomeNotConfigured
		e.status.Announce(status.MsgNotConfigured)
		return result
	}

	e.state.Store(int32(Syncing))
	e.status.BeginSync()

	result.PerKind = make(map[domain.EntityKind]domain.KindResult, len(e.opts.Kinds))
	var mu sync.Mutex
	var readErrs []string
	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for _, kind := range e.opts.Kinds {
		g.Go(func() error {
			kr, err := e.pushKind(ctx, ep, kind)
			mu.Lock()
			defer mu.Unlock()
			result.PerKind[kind] = kr
			result.Pushed += kr.Pushed
			result.Failed += kr.Failed
			if err != nil {
				readErrs = append(readErrs, fmt.Sprintf("%s: %v", kind, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Outcome = domain.OutcomeOK
	if len(readErrs) > 0 {
		result.Outcome = domain.OutcomeError
		result.Error = strings.Join(readErrs, "; ")
	}
	if counts, err := e.repo.PendingCounts(ctx); err == nil {
		e.metrics.SetPending(counts)
	}
	e.status.EndSync(result)
	return result
}

// pushKind pushes the pending records of one kind in order. A record that
// fails stays dirty and does not stop the batch.
func (e *Engine) pushKind(ctx context.Context, ep pushclient.Endpoint, kind domain.EntityKind) (kr domain.KindResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.logger.Error("push panicked", "kind", kind, "panic", r)
		}
	}()

	records, err := e.repo.PendingSync(ctx, kind)
	if err != nil {
		e.logger.Error("read pending records failed", "kind", kind, "error", err)
		return kr, err
	}
	kr.Pending = len(records)

	for _, record := range records {
		if ctx.Err() != nil {
			kr.Failed += kr.Pending - kr.Pushed - kr.Failed
			break
		}
		started := time.Now()
		pushErr := e.pusher.Upsert(ctx, ep, kind, record)
		e.metrics.ObservePush(kind, time.Since(started), pushErr)
		if pushErr != nil {
			kr.Failed++
			e.logger.Warn("push failed", "kind", kind, "id", record.RecordID(), "error", pushErr)
			continue
		}
		if ackErr := e.repo.MarkSynced(ctx, kind, record.RecordID(), record.SyncVersion()); ackErr != nil {
			kr.Failed++
			e.logger.Warn("mark synced failed", "kind", kind, "id", record.RecordID(), "error", ackErr)
			continue
		}
		kr.Pushed++
	}
	return kr, nil
}

func (e *Engine) endpoint(ctx context.Context) (pushclient.Endpoint, error) {
	ep := e.opts.Endpoint
	if ep.BaseURL == "" {
		v, err := e.repo.GetSetting(ctx, domain.SettingRemoteURL)
		if err != nil {
			return ep, fmt.Errorf("read %s: %w", domain.SettingRemoteURL, err)
		}
		ep.BaseURL = strings.TrimSpace(v)
	}
	if ep.APIKey == "" {
		v, err := e.repo.GetSetting(ctx, domain.SettingRemoteKey)
		if err != nil {
			return ep, fmt.Errorf("read %s: %w", domain.SettingRemoteKey, err)
		}
		ep.APIKey = strings.TrimSpace(v)
	}
	return ep, nil
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(domain.CycleResult)                     {}
func (nopRecorder) ObservePush(domain.EntityKind, time.Duration, error) {}
func (nopRecorder) SetOnline(bool)                                      {}
func (nopRecorder) SetPending(map[domain.EntityKind]int)                {}
