package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/backend/internal/domain"
	"possync/backend/internal/logging"
	"possync/backend/internal/pushclient"
	"possync/backend/internal/status"
	"possync/backend/internal/store/memory"
)

type fakeProber struct {
	online atomic.Bool
	calls  atomic.Int32
}

func (p *fakeProber) Probe(context.Context) bool {
	p.calls.Add(1)
	return p.online.Load()
}

func onlineProber() *fakeProber {
	p := &fakeProber{}
	p.online.Store(true)
	return p
}

type remoteCall struct {
	path string
	body map[string]any
}

// fakeRemote is a PostgREST stand-in that answers with status(path, body).
type fakeRemote struct {
	srv   *httptest.Server
	mu    sync.Mutex
	calls []remoteCall
}

func newRemote(t *testing.T, status func(path string, body map[string]any) int) *fakeRemote {
	t.Helper()
	r := &fakeRemote{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw, _ := io.ReadAll(req.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		r.mu.Lock()
		r.calls = append(r.calls, remoteCall{path: req.URL.Path, body: body})
		r.mu.Unlock()
		w.WriteHeader(status(req.URL.Path, body))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRemote) Calls() []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remoteCall(nil), r.calls...)
}

func always(code int) func(string, map[string]any) int {
	return func(string, map[string]any) int { return code }
}

type harness struct {
	repo   *memory.Store
	prober *fakeProber
	status *status.Publisher
	engine *Engine
}

func newHarness(t *testing.T, prober *fakeProber, pusher Pusher, opts Options) *harness {
	t.Helper()
	repo := memory.New()
	pub := status.New(nil, logging.Discard())
	return &harness{
		repo:   repo,
		prober: prober,
		status: pub,
		engine: New(repo, prober, pusher, pub, nil, logging.Discard(), opts),
	}
}

func (h *harness) configure(t *testing.T, baseURL string) {
	t.Helper()
	require.NoError(t, h.repo.SetSetting(context.Background(), domain.SettingRemoteURL, baseURL))
	require.NoError(t, h.repo.SetSetting(context.Background(), domain.SettingRemoteKey, "anon-key"))
}

func (h *harness) pending(t *testing.T, kind domain.EntityKind) []domain.Record {
	t.Helper()
	records, err := h.repo.PendingSync(context.Background(), kind)
	require.NoError(t, err)
	return records
}

func TestScenarioProductPushedAndCleared(t *testing.T) {
	remote := newRemote(t, always(http.StatusCreated))
	h := newHarness(t, onlineProber(), pushclient.New(remote.srv.Client(), time.Second), Options{})
	h.configure(t, remote.srv.URL)

	p1, err := h.repo.SaveProduct(context.Background(), domain.Product{Name: "P1", Price: decimal.RequireFromString("4.20"), Active: true})
	require.NoError(t, err)

	result, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, result.Outcome)
	assert.Equal(t, 1, result.Pushed)
	assert.Zero(t, result.Failed)

	assert.Empty(t, h.pending(t, domain.KindProducts))
	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/rest/v1/products", calls[0].path)
	assert.Equal(t, p1.ID, calls[0].body["id"])
	assert.Equal(t, "P1", calls[0].body["name"])

	snap := h.status.Snapshot()
	assert.True(t, snap.Online)
	assert.False(t, snap.Syncing)
	assert.NotNil(t, snap.LastSyncTime)
	assert.True(t, strings.HasPrefix(snap.Message, "Synced (1 changes) - "), snap.Message)
	assert.Equal(t, Idle, h.engine.State())
}

func TestScenarioSaleFailureKeepsItDirty(t *testing.T) {
	remote := newRemote(t, always(http.StatusInternalServerError))
	h := newHarness(t, onlineProber(), pushclient.New(remote.srv.Client(), time.Second), Options{})
	h.configure(t, remote.srv.URL)

	subtotal := decimal.RequireFromString("30.00")
	discount := decimal.RequireFromString("3.00")
	tax := subtotal.Sub(discount).Mul(decimal.RequireFromString("0.16")).Round(2)
	total := subtotal.Sub(discount).Add(tax)
	s1, err := h.repo.CreateSale(context.Background(), domain.Sale{
		Items: []domain.SaleItem{
			{ProductName: "Tea", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00"), Total: decimal.RequireFromString("20.00")},
			{ProductName: "Cake", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00"), Total: decimal.RequireFromString("10.00")},
		},
		Subtotal:      subtotal,
		Discount:      discount,
		Tax:           tax,
		Total:         total,
		PaymentMethod: domain.PaymentCard,
		AmountPaid:    total,
	})
	require.NoError(t, err)

	var result domain.CycleResult
	require.NotPanics(t, func() {
		result, err = h.engine.RunCycle(context.Background())
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, result.Outcome)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.PerKind[domain.KindSales].Failed)

	pending := h.pending(t, domain.KindSales)
	require.Len(t, pending, 1)
	assert.Equal(t, s1.ID, pending[0].RecordID())

	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/rest/v1/sales", calls[0].path)
	items, ok := calls[0].body["items"].([]any)
	require.True(t, ok, "sale body must nest its items")
	assert.Len(t, items, 2)
}

func TestScenarioNotConfiguredMakesNoCalls(t *testing.T) {
	remote := newRemote(t, always(http.StatusOK))
	h := newHarness(t, onlineProber(), pushclient.New(remote.srv.Client(), time.Second), Options{})
	_, err := h.repo.SaveProduct(context.Background(), domain.Product{Name: "P1", Active: true})
	require.NoError(t, err)

	result, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotConfigured, result.Outcome)
	assert.Empty(t, remote.Calls())
	assert.Equal(t, Idle, h.engine.State())
	assert.Equal(t, status.MsgNotConfigured, h.status.Snapshot().Message)
	assert.Len(t, h.pending(t, domain.KindProducts), 1)
}

func TestScenarioOfflineNeverSyncs(t *testing.T) {
	remote := newRemote(t, always(http.StatusOK))
	h := newHarness(t, &fakeProber{}, pushclient.New(remote.srv.Client(), time.Second), Options{})
	h.configure(t, remote.srv.URL)
	_, err := h.repo.SaveProduct(context.Background(), domain.Product{Name: "P1", Active: true})
	require.NoError(t, err)

	events, cancel := h.status.Subscribe(16)
	defer cancel()

	result, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOffline, result.Outcome)
	assert.False(t, result.Online)
	assert.Empty(t, remote.Calls())

	snap := h.status.Snapshot()
	assert.False(t, snap.Online)
	assert.False(t, snap.Syncing)
	assert.Equal(t, status.MsgOffline, snap.Message)

	cancel()
	for e := range events {
		assert.False(t, e.Syncing, "syncing must never be published while offline")
	}
}

func TestEnvEndpointOverridesSettings(t *testing.T) {
	remote := newRemote(t, always(http.StatusOK))
	h := newHarness(t, onlineProber(), pushclient.New(remote.srv.Client(), time.Second), Options{
		Endpoint: pushclient.Endpoint{BaseURL: remote.srv.URL, APIKey: "env-key"},
	})
	_, err := h.repo.SaveCategory(context.Background(), domain.Category{Name: "Drinks", Active: true})
	require.NoError(t, err)

	result, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOK, result.Outcome)
	assert.Equal(t, 1, result.Pushed)
	require.Len(t, remote.Calls(), 1)
	assert.Equal(t, "/rest/v1/categories", remote.Calls()[0].path)
}

func TestFailuresAreIsolatedPerRecord(t *testing.T) {
	remote := newRemote(t, func(_ string, body map[string]any) int {
		if body["name"] == "broken" {
			return http.StatusBadRequest
		}
		return http.StatusOK
	})
	h := newHarness(t, onlineProber(), pushclient.New(remote.srv.Client(), time.Second), Options{Concurrency: 4})
	h.configure(t, remote.srv.URL)

	ctx := context.Background()
	for _, name := range []string{"a", "broken", "c"} {
		_, err := h.repo.SaveCustomer(ctx, domain.Customer{Name: name, Active: true})
		require.NoError(t, err)
	}
	_, err := h.repo.SaveProduct(ctx, domain.Product{Name: "ok", Active: true})
	require.NoError(t, err)

	result, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Pushed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, domain.KindResult{Pending: 3, Pushed: 2, Failed: 1}, result.PerKind[domain.KindCustomers])

	left := h.pending(t, domain.KindCustomers)
	require.Len(t, left, 1)
	assert.Equal(t, "broken", left[0].(domain.Customer).Name)
	assert.Empty(t, h.pending(t, domain.KindProducts))
}

func TestRetriedRecordKeepsItsID(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	remote := newRemote(t, func(string, map[string]any) int {
		if fail.Load() {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	h := newHarness(t, onlineProber(), pushclient.New(remote.srv.Client(), time.Second), Options{})
	h.configure(t, remote.srv.URL)
	saved, err := h.repo.SaveProduct(context.Background(), domain.Product{Name: "P1", Active: true})
	require.NoError(t, err)

	_, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	fail.Store(false)
	_, err = h.engine.RunCycle(context.Background())
	require.NoError(t, err)

	calls := remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, saved.ID, calls[0].body["id"])
	assert.Equal(t, saved.ID, calls[1].body["id"])
	assert.Empty(t, h.pending(t, domain.KindProducts))
}

// blockingPusher parks every Upsert until release is closed.
type blockingPusher struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (p *blockingPusher) Upsert(ctx context.Context, _ pushclient.Endpoint, _ domain.EntityKind, _ domain.Record) error {
	if p.calls.Add(1) == 1 {
		close(p.entered)
	}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestForceSyncDuringCycleIsBusy(t *testing.T) {
	pusher := &blockingPusher{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, onlineProber(), pusher, Options{Kinds: []domain.EntityKind{domain.KindProducts}})
	h.configure(t, "https://remote.example")
	_, err := h.repo.SaveProduct(context.Background(), domain.Product{Name: "P1", Active: true})
	require.NoError(t, err)

	done := make(chan domain.CycleResult, 1)
	go func() {
		result, _ := h.engine.RunCycle(context.Background())
		done <- result
	}()
	<-pusher.entered
	assert.Equal(t, Syncing, h.engine.State())
	assert.True(t, h.status.Snapshot().Syncing)

	result, err := h.engine.ForceSyncNow(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, domain.OutcomeBusy, result.Outcome)
	assert.Equal(t, int32(1), pusher.calls.Load(), "busy cycle must not push")
	assert.Equal(t, int32(1), h.prober.calls.Load(), "busy cycle must not probe")

	close(pusher.release)
	first := <-done
	assert.Equal(t, domain.OutcomeOK, first.Outcome)
	assert.Equal(t, 1, first.Pushed)

	_, err = h.engine.ForceSyncNow(context.Background())
	assert.NoError(t, err, "guard must be released after the cycle")
}

// editingPusher simulates the cashier editing a record while its push is in
// flight.
type editingPusher struct {
	repo *memory.Store
	once sync.Once
}

func (p *editingPusher) Upsert(ctx context.Context, _ pushclient.Endpoint, _ domain.EntityKind, record domain.Record) error {
	p.once.Do(func() {
		edited := record.(domain.Product)
		edited.Price = decimal.RequireFromString("99.00")
		_, _ = p.repo.SaveProduct(ctx, edited)
	})
	return nil
}

func TestEditDuringPushIsNotLost(t *testing.T) {
	prober := onlineProber()
	repo := memory.New()
	pub := status.New(nil, logging.Discard())
	engine := New(repo, prober, &editingPusher{repo: repo}, pub, nil, logging.Discard(), Options{})
	ctx := context.Background()
	require.NoError(t, repo.SetSetting(ctx, domain.SettingRemoteURL, "https://remote.example"))
	require.NoError(t, repo.SetSetting(ctx, domain.SettingRemoteKey, "k"))
	saved, err := repo.SaveProduct(ctx, domain.Product{Name: "P1", Price: decimal.RequireFromString("1.00"), Active: true})
	require.NoError(t, err)

	_, err = engine.RunCycle(ctx)
	require.NoError(t, err)

	pending, err := repo.PendingSync(ctx, domain.KindProducts)
	require.NoError(t, err)
	require.Len(t, pending, 1, "edit made during push must stay pending")
	assert.Equal(t, saved.ID, pending[0].RecordID())
	assert.True(t, pending[0].(domain.Product).Price.Equal(decimal.RequireFromString("99")))

	_, err = engine.RunCycle(ctx)
	require.NoError(t, err)
	pending, err = repo.PendingSync(ctx, domain.KindProducts)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type panickingPusher struct{}

func (panickingPusher) Upsert(context.Context, pushclient.Endpoint, domain.EntityKind, domain.Record) error {
	panic("encoder exploded")
}

func TestPanicIsReportedAsError(t *testing.T) {
	h := newHarness(t, onlineProber(), panickingPusher{}, Options{})
	h.configure(t, "https://remote.example")
	_, err := h.repo.SaveProduct(context.Background(), domain.Product{Name: "P1", Active: true})
	require.NoError(t, err)

	result, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeError, result.Outcome)
	assert.Contains(t, result.Error, "encoder exploded")
	assert.False(t, h.status.Snapshot().Syncing)
	assert.Len(t, h.pending(t, domain.KindProducts), 1)

	_, err = h.engine.RunCycle(context.Background())
	assert.NoError(t, err, "engine must recover its busy guard after a panic")
}

type failingReads struct {
	*memory.Store
}

func (f failingReads) PendingSync(ctx context.Context, kind domain.EntityKind) ([]domain.Record, error) {
	if kind == domain.KindSales {
		return nil, errors.New("disk I/O error")
	}
	return f.Store.PendingSync(ctx, kind)
}

func TestStoreReadErrorIsReported(t *testing.T) {
	remote := newRemote(t, always(http.StatusOK))
	repo := failingReads{memory.New()}
	ctx := context.Background()
	require.NoError(t, repo.SetSetting(ctx, domain.SettingRemoteURL, remote.srv.URL))
	require.NoError(t, repo.SetSetting(ctx, domain.SettingRemoteKey, "k"))
	_, err := repo.SaveProduct(ctx, domain.Product{Name: "P1", Active: true})
	require.NoError(t, err)

	pub := status.New(nil, logging.Discard())
	engine := New(repo, onlineProber(), pushclient.New(remote.srv.Client(), time.Second), pub, nil, logging.Discard(), Options{})
	result, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeError, result.Outcome)
	assert.Contains(t, result.Error, "disk I/O error")
	assert.Equal(t, 1, result.Pushed, "other kinds still push")
	assert.True(t, strings.HasPrefix(pub.Snapshot().Message, "Sync error: "))
}

func TestStartRunsImmediatelyAndStopWaits(t *testing.T) {
	prober := &fakeProber{}
	h := newHarness(t, prober, panickingPusher{}, Options{Interval: 10 * time.Millisecond})

	require.NoError(t, h.engine.Start(context.Background()))
	assert.ErrorIs(t, h.engine.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return prober.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	h.engine.Stop()

	after := prober.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, prober.calls.Load(), "no ticks after Stop")
	assert.Equal(t, Idle, h.engine.State())

	h.engine.Stop()
	require.NoError(t, h.engine.Start(context.Background()), "engine can be restarted")
	h.engine.Stop()
}

func TestStopAbandonsInFlightPush(t *testing.T) {
	pusher := &blockingPusher{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, onlineProber(), pusher, Options{Interval: time.Hour})
	h.configure(t, "https://remote.example")
	_, err := h.repo.SaveProduct(context.Background(), domain.Product{Name: "P1", Active: true})
	require.NoError(t, err)

	require.NoError(t, h.engine.Start(context.Background()))
	<-pusher.entered

	stopped := make(chan struct{})
	go func() {
		h.engine.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not cancel the in-flight push")
	}
	assert.Len(t, h.pending(t, domain.KindProducts), 1)
}
