// Package remote implements store.Repository over the bridge endpoint of
// another possync process. It lets a CLI or a second shell work against the
// store owned by a running server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"possync/backend/internal/bridge"
	"possync/backend/internal/domain"
	"possync/backend/internal/syncengine"
)

const (
	bridgePath = "/api/v1/bridge"
	tokenPath  = "/api/v1/auth/token"

	DefaultTimeout = 10 * time.Second
	stateTimeout   = 2 * time.Second
)

type Options struct {
	BaseURL string
	// Token is a bearer token issued by the server. When empty, ShellID and
	// Secret are exchanged for one on first use.
	Token   string
	ShellID string
	Secret  string
	Timeout time.Duration
}

type Store struct {
	base    string
	client  *http.Client
	shellID string
	secret  string

	mu    sync.Mutex
	token string
}

func New(opts Options, client *http.Client) (*Store, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("remote store: invalid bridge url %q", opts.BaseURL)
	}
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	shellID := strings.TrimSpace(opts.ShellID)
	if shellID == "" {
		shellID = "remote-store"
	}
	return &Store{
		base:    base,
		client:  client,
		shellID: shellID,
		secret:  opts.Secret,
		token:   strings.TrimSpace(opts.Token),
	}, nil
}

type wireResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
}

func (s *Store) call(ctx context.Context, req bridge.Request, out any) error {
	token, err := s.bearer(ctx)
	if err != nil {
		return err
	}
	var resp wireResponse
	status, err := s.post(ctx, bridgePath, token, req, &resp)
	if err != nil {
		return fmt.Errorf("remote %s: %w", req.Op, err)
	}
	if status == http.StatusUnauthorized && s.secret != "" {
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
		if token, err = s.bearer(ctx); err != nil {
			return err
		}
		resp = wireResponse{}
		if status, err = s.post(ctx, bridgePath, token, req, &resp); err != nil {
			return fmt.Errorf("remote %s: %w", req.Op, err)
		}
	}
	if !resp.OK {
		if resp.Code == "" {
			return fmt.Errorf("remote %s: http %d: %s", req.Op, status, resp.Error)
		}
		return bridge.ErrorFor(resp.Code, resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("remote %s: decode response: %w", req.Op, err)
	}
	return nil
}

func (s *Store) bearer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" || s.secret == "" {
		return s.token, nil
	}

	var issued domain.TokenResponse
	status, err := s.post(ctx, tokenPath, "", domain.TokenRequest{ShellID: s.shellID, Secret: s.secret}, &issued)
	if err != nil {
		return "", fmt.Errorf("remote auth: %w", err)
	}
	if status != http.StatusOK || issued.AccessToken == "" {
		return "", fmt.Errorf("remote auth: token request rejected with status %d", status)
	}
	s.token = issued.AccessToken
	return s.token, nil
}

func (s *Store) post(ctx context.Context, path string, token string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := s.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return res.StatusCode, err
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && res.StatusCode < 300 {
			return res.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	err := s.call(ctx, bridge.Request{Op: bridge.OpGetProducts}, &products)
	return products, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	if err := s.call(ctx, bridge.Request{Op: bridge.OpGetProduct, ID: id}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) FindProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	var p domain.Product
	if err := s.call(ctx, bridge.Request{Op: bridge.OpFindProduct, Value: code}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProduct routes an existing product that is being switched inactive
// through delete_product, the only operation that deactivates.
func (s *Store) SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var p domain.Product
	req := bridge.Request{Op: bridge.OpSaveProduct}
	if !product.Active && product.ID != "" {
		req = bridge.Request{Op: bridge.OpDeleteProduct, ID: product.ID}
	} else {
		raw, err := json.Marshal(product)
		if err != nil {
			return nil, err
		}
		req.Record = raw
	}
	if err := s.call(ctx, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var categories []domain.Category
	err := s.call(ctx, bridge.Request{Op: bridge.OpGetCategories}, &categories)
	return categories, err
}

func (s *Store) SaveCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	raw, err := json.Marshal(category)
	if err != nil {
		return nil, err
	}
	var c domain.Category
	if err := s.call(ctx, bridge.Request{Op: bridge.OpSaveCategory, Record: raw}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	var customers []domain.Customer
	err := s.call(ctx, bridge.Request{Op: bridge.OpGetCustomers}, &customers)
	return customers, err
}

func (s *Store) SaveCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	raw, err := json.Marshal(customer)
	if err != nil {
		return nil, err
	}
	var c domain.Customer
	if err := s.call(ctx, bridge.Request{Op: bridge.OpSaveCustomer, Record: raw}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	var sales []domain.Sale
	err := s.call(ctx, bridge.Request{Op: bridge.OpGetSales, Limit: limit}, &sales)
	return sales, err
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	if err := s.call(ctx, bridge.Request{Op: bridge.OpGetSale, ID: id}, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	raw, err := json.Marshal(sale)
	if err != nil {
		return nil, err
	}
	var created domain.Sale
	if err := s.call(ctx, bridge.Request{Op: bridge.OpImportSale, Record: raw}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.call(ctx, bridge.Request{Op: bridge.OpGetSetting, Key: key}, &value)
	return value, err
}

func (s *Store) SetSetting(ctx context.Context, key string, value string) error {
	return s.call(ctx, bridge.Request{Op: bridge.OpSetSetting, Key: key, Value: value}, nil)
}

func (s *Store) PendingSync(ctx context.Context, kind domain.EntityKind) ([]domain.Record, error) {
	var raws []json.RawMessage
	if err := s.call(ctx, bridge.Request{Op: bridge.OpGetPendingSync, Kind: kind}, &raws); err != nil {
		return nil, err
	}
	records := make([]domain.Record, 0, len(raws))
	for _, raw := range raws {
		record, err := decodeRecord(kind, raw)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func decodeRecord(kind domain.EntityKind, raw json.RawMessage) (domain.Record, error) {
	var (
		record domain.Record
		err    error
	)
	switch kind {
	case domain.KindProducts:
		var p domain.Product
		err = json.Unmarshal(raw, &p)
		record = p
	case domain.KindCategories:
		var c domain.Category
		err = json.Unmarshal(raw, &c)
		record = c
	case domain.KindCustomers:
		var c domain.Customer
		err = json.Unmarshal(raw, &c)
		record = c
	case domain.KindSales:
		var sale domain.Sale
		err = json.Unmarshal(raw, &sale)
		record = sale
	default:
		return nil, errors.New("remote: unknown kind " + string(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("remote: decode %s record: %w", kind, err)
	}
	return record, nil
}

func (s *Store) MarkSynced(ctx context.Context, kind domain.EntityKind, id string, version time.Time) error {
	req := bridge.Request{Op: bridge.OpMarkSynced, Kind: kind, ID: id}
	if !version.IsZero() {
		req.Version = &version
	}
	return s.call(ctx, req, nil)
}

func (s *Store) PendingCounts(ctx context.Context) (map[domain.EntityKind]int, error) {
	counts := make(map[domain.EntityKind]int)
	err := s.call(ctx, bridge.Request{Op: bridge.OpPendingCounts}, &counts)
	return counts, err
}

// ForceSyncNow asks the owning process for a cycle. Its engine's busy guard
// decides whether one starts, so a second process never pushes alongside it.
func (s *Store) ForceSyncNow(ctx context.Context) (domain.CycleResult, error) {
	var result domain.CycleResult
	err := s.call(ctx, bridge.Request{Op: bridge.OpSyncNow}, &result)
	if errors.Is(err, syncengine.ErrBusy) {
		return domain.CycleResult{Outcome: domain.OutcomeBusy, StartedAt: time.Now().UTC()}, err
	}
	return result, err
}

func (s *Store) SyncStatus(ctx context.Context) (bridge.SyncStatus, error) {
	var st bridge.SyncStatus
	err := s.call(ctx, bridge.Request{Op: bridge.OpSyncStatus}, &st)
	return st, err
}

// State reports the owning engine's state, or Idle when it cannot be reached.
func (s *Store) State() syncengine.State {
	ctx, cancel := context.WithTimeout(context.Background(), stateTimeout)
	defer cancel()
	st, err := s.SyncStatus(ctx)
	if err != nil {
		return syncengine.Idle
	}
	return syncengine.ParseState(st.State)
}

// Close is a no-op; the owning process keeps the store.
func (s *Store) Close() error { return nil }
