// Package bridge is the message boundary between a UI shell and the local
// core. Every shell (web, desktop, mobile) speaks the same fixed set of
// operations as JSON requests and gets a uniform response back.
package bridge

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/service"
	"possync/backend/internal/status"
	"possync/backend/internal/store"
	"possync/backend/internal/syncengine"
)

const (
	OpIsOffline      = "is_offline"
	OpGetProducts    = "get_products"
	OpGetProduct     = "get_product"
	OpSaveProduct    = "save_product"
	OpDeleteProduct  = "delete_product"
	OpFindProduct    = "find_product"
	OpGetCategories  = "get_categories"
	OpSaveCategory   = "save_category"
	OpGetCustomers   = "get_customers"
	OpSaveCustomer   = "save_customer"
	OpGetSales       = "get_sales"
	OpGetSale        = "get_sale"
	OpSaveSale       = "save_sale"
	OpImportSale     = "import_sale"
	OpGetSetting     = "get_setting"
	OpSetSetting     = "set_setting"
	OpGetPendingSync = "get_pending_sync"
	OpPendingCounts  = "pending_counts"
	OpMarkSynced     = "mark_synced"
	OpSyncNow        = "sync_now"
	OpSyncStatus     = "sync_status"
)

const (
	CodeInvalid   = "invalid"
	CodeNotFound  = "not_found"
	CodeBusy      = "busy"
	CodeConflict  = "conflict"
	CodeUnknownOp = "unknown_op"
	CodeInternal  = "internal"
)

type Request struct {
	Op      string            `json:"op"`
	Kind    domain.EntityKind `json:"kind,omitempty"`
	ID      string            `json:"id,omitempty"`
	Key     string            `json:"key,omitempty"`
	Value   string            `json:"value,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Version *time.Time        `json:"version,omitempty"`
	Record  json.RawMessage   `json:"record,omitempty"`
}

type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// SyncStatus is the payload of sync_status.
type SyncStatus struct {
	Status  domain.StatusEvent        `json:"status"`
	State   string                    `json:"state"`
	Pending map[domain.EntityKind]int `json:"pending"`
}

// Syncer triggers an out-of-band sync cycle.
type Syncer interface {
	ForceSyncNow(ctx context.Context) (domain.CycleResult, error)
	State() syncengine.State
}

type Dispatcher struct {
	svc    *service.Service
	syncer Syncer
	status status.Reader
	logger *slog.Logger
}

func NewDispatcher(svc *service.Service, syncer Syncer, reader status.Reader, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{svc: svc, syncer: syncer, status: reader, logger: logger.With("component", "bridge")}
}

// Dispatch executes one request. It never returns an error; failures are
// carried in the response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	data, err := d.dispatch(ctx, req)
	if err != nil {
		resp := Failure(err)
		if resp.Code == CodeInternal {
			d.logger.Error("bridge operation failed", "op", req.Op, "error", err)
		}
		if errors.Is(err, syncengine.ErrBusy) {
			resp.Data = data
		}
		return resp
	}
	return Response{OK: true, Data: data}
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (any, error) {
	switch strings.TrimSpace(req.Op) {
	case OpIsOffline:
		return !d.status.Snapshot().Online, nil

	case OpGetProducts:
		return d.svc.ListProducts(ctx)
	case OpGetProduct:
		return d.svc.GetProduct(ctx, req.ID)
	case OpFindProduct:
		return d.svc.FindProduct(ctx, cmp.Or(strings.TrimSpace(req.Value), strings.TrimSpace(req.Key), strings.TrimSpace(req.ID)))
	case OpSaveProduct:
		var p domain.Product
		if err := decodeRecord(req.Record, &p); err != nil {
			return nil, err
		}
		return d.svc.SaveProduct(ctx, p)
	case OpDeleteProduct:
		return d.svc.SoftDeleteProduct(ctx, req.ID)

	case OpGetCategories:
		return d.svc.ListCategories(ctx)
	case OpSaveCategory:
		var c domain.Category
		if err := decodeRecord(req.Record, &c); err != nil {
			return nil, err
		}
		return d.svc.SaveCategory(ctx, c)

	case OpGetCustomers:
		return d.svc.ListCustomers(ctx)
	case OpSaveCustomer:
		var c domain.Customer
		if err := decodeRecord(req.Record, &c); err != nil {
			return nil, err
		}
		return d.svc.SaveCustomer(ctx, c)

	case OpGetSales:
		return d.svc.ListSales(ctx, req.Limit)
	case OpGetSale:
		return d.svc.GetSale(ctx, req.ID)
	case OpSaveSale:
		var sr domain.SaleRequest
		if err := decodeRecord(req.Record, &sr); err != nil {
			return nil, err
		}
		return d.svc.CreateSale(ctx, sr)
	case OpImportSale:
		var s domain.Sale
		if err := decodeRecord(req.Record, &s); err != nil {
			return nil, err
		}
		return d.svc.ImportSale(ctx, s)

	case OpGetSetting:
		return d.svc.GetSetting(ctx, req.Key)
	case OpSetSetting:
		return nil, d.svc.SetSetting(ctx, req.Key, req.Value)

	case OpGetPendingSync:
		return d.svc.PendingSync(ctx, req.Kind)
	case OpPendingCounts:
		return d.svc.PendingCounts(ctx)
	case OpMarkSynced:
		var version time.Time
		if req.Version != nil {
			version = *req.Version
		}
		return nil, d.svc.MarkSynced(ctx, req.Kind, req.ID, version)

	case OpSyncNow:
		if d.syncer == nil {
			return nil, fmt.Errorf("%w: sync engine is not running", store.ErrInvalidRecord)
		}
		result, err := d.syncer.ForceSyncNow(ctx)
		return result, err
	case OpSyncStatus:
		pending, err := d.svc.PendingCounts(ctx)
		if err != nil {
			return nil, err
		}
		st := SyncStatus{Status: d.status.Snapshot(), Pending: pending, State: syncengine.Idle.String()}
		if d.syncer != nil {
			st.State = d.syncer.State().String()
		}
		return st, nil
	}
	return nil, errUnknownOp(req.Op)
}

type unknownOpError string

func (e unknownOpError) Error() string { return fmt.Sprintf("unknown bridge operation %q", string(e)) }

func errUnknownOp(op string) error { return unknownOpError(op) }

// Failure renders err as a failed response with a stable code.
func Failure(err error) Response {
	resp := Response{OK: false, Error: err.Error(), Code: CodeInternal}
	var unknown unknownOpError
	switch {
	case errors.As(err, &unknown):
		resp.Code = CodeUnknownOp
	case errors.Is(err, store.ErrInvalidRecord):
		resp.Code = CodeInvalid
	case errors.Is(err, store.ErrNotFound):
		resp.Code = CodeNotFound
	case errors.Is(err, store.ErrImmutable):
		resp.Code = CodeConflict
	case errors.Is(err, syncengine.ErrBusy):
		resp.Code = CodeBusy
	}
	return resp
}

// ErrorFor maps a failed response back onto the sentinel errors, so that a
// client of the bridge can use errors.Is like an in-process caller.
func ErrorFor(code string, message string) error {
	var sentinel error
	switch code {
	case CodeInvalid:
		sentinel = store.ErrInvalidRecord
	case CodeNotFound:
		sentinel = store.ErrNotFound
	case CodeConflict:
		sentinel = store.ErrImmutable
	case CodeBusy:
		sentinel = syncengine.ErrBusy
	default:
		return fmt.Errorf("bridge %s: %s", code, message)
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(message, sentinel.Error()+": "))
}

func decodeRecord(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("%w: record is required", store.ErrInvalidRecord)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed record: %v", store.ErrInvalidRecord, err)
	}
	return nil
}
