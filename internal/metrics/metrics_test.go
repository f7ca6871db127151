package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/backend/internal/domain"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObservePushCountsByResult(t *testing.T) {
	m := New()
	m.ObservePush(domain.KindProducts, 20*time.Millisecond, nil)
	m.ObservePush(domain.KindProducts, 30*time.Millisecond, errors.New("500"))
	m.ObservePush(domain.KindProducts, 10*time.Millisecond, nil)

	text := scrape(t, m)
	assert.Contains(t, text, `possync_sync_records_total{kind="products",result="pushed"} 2`)
	assert.Contains(t, text, `possync_sync_records_total{kind="products",result="failed"} 1`)
	assert.Contains(t, text, `possync_sync_push_duration_seconds_count{kind="products"} 3`)
}

func TestObserveCycleSetsLastSuccess(t *testing.T) {
	m := New()
	started := time.Unix(1_700_000_000, 0)
	m.ObserveCycle(domain.CycleResult{Outcome: domain.OutcomeOK, StartedAt: started, Duration: 2 * time.Second})
	m.ObserveCycle(domain.CycleResult{Outcome: domain.OutcomeOffline})

	text := scrape(t, m)
	assert.Contains(t, text, `possync_sync_cycles_total{outcome="ok"} 1`)
	assert.Contains(t, text, `possync_sync_cycles_total{outcome="offline"} 1`)
	assert.Contains(t, text, `possync_sync_last_success_timestamp_seconds 1.700000002e+09`)
}

func TestHandlerExposesOnlineAndPending(t *testing.T) {
	m := New()
	m.SetOnline(true)
	m.SetPending(map[domain.EntityKind]int{domain.KindSales: 4})

	text := scrape(t, m)
	assert.Contains(t, text, "possync_sync_online 1")
	assert.Contains(t, text, `possync_sync_pending_records{kind="sales"} 4`)
}
