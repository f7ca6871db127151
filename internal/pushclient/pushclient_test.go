package pushclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/backend/internal/domain"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func recorder(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, captured{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"duplicate key"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), calls...)
	}
}

func TestUpsertSendsPostgrestHeaders(t *testing.T) {
	srv, calls := recorder(t, http.StatusCreated)
	client := New(srv.Client(), time.Second)
	p := domain.Product{ID: "p1", Name: "Tea", Price: decimal.RequireFromString("2.50"), NeedsSync: true}

	require.NoError(t, client.Upsert(context.Background(), Endpoint{BaseURL: srv.URL + "/", APIKey: "k"}, domain.KindProducts, p))

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "/rest/v1/products", got[0].path)
	assert.Equal(t, "k", got[0].header.Get("apikey"))
	assert.Equal(t, "Bearer k", got[0].header.Get("Authorization"))
	assert.Equal(t, "resolution=merge-duplicates", got[0].header.Get("Prefer"))
	assert.Equal(t, "application/json", got[0].header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(got[0].body, &body))
	assert.Equal(t, "p1", body["id"])
	assert.Equal(t, "Tea", body["name"])
}

func TestUpsertTwiceReusesIdentity(t *testing.T) {
	srv, calls := recorder(t, http.StatusOK)
	client := New(srv.Client(), time.Second)
	ep := Endpoint{BaseURL: srv.URL, APIKey: "k"}
	c := domain.Customer{ID: "c1", Name: "Ana"}

	require.NoError(t, client.Upsert(context.Background(), ep, domain.KindCustomers, c))
	require.NoError(t, client.Upsert(context.Background(), ep, domain.KindCustomers, c))

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, got[0].body, got[1].body)
	assert.Equal(t, got[0].header.Get("Prefer"), got[1].header.Get("Prefer"))
}

func TestUpsertReturnsStatusErrorOnNon2xx(t *testing.T) {
	srv, _ := recorder(t, http.StatusConflict)
	err := New(srv.Client(), time.Second).Upsert(context.Background(), Endpoint{BaseURL: srv.URL, APIKey: "k"}, domain.KindSales, domain.Sale{ID: "s1"})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, domain.KindSales, statusErr.Kind)
	assert.Contains(t, statusErr.Body, "duplicate key")
}

func TestTableURLRejectsNonHTTP(t *testing.T) {
	_, err := TableURL("ftp://example.com", domain.KindProducts)
	assert.Error(t, err)

	u, err := TableURL("https://abc.supabase.co", domain.KindCategories)
	require.NoError(t, err)
	assert.Equal(t, "https://abc.supabase.co/rest/v1/categories", u)
}

func TestEndpointConfigured(t *testing.T) {
	assert.False(t, Endpoint{BaseURL: "https://x"}.Configured())
	assert.False(t, Endpoint{APIKey: "k"}.Configured())
	assert.True(t, Endpoint{BaseURL: "https://x", APIKey: "k"}.Configured())
}
