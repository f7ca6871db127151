package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"possync/backend/internal/domain"
	"possync/backend/internal/xid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidRecord = errors.New("invalid record")
	ErrImmutable     = errors.New("record is immutable")
)

const DefaultSalesLimit = 100

// Repository is the local source of truth. Every Save marks the record dirty;
// only MarkSynced clears it.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	FindProductByCode(ctx context.Context, code string) (*domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	SaveCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	SaveCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key string, value string) error
	PendingSync(ctx context.Context, kind domain.EntityKind) ([]domain.Record, error)
	// MarkSynced clears the dirty flag of one record. A non-zero version only
	// clears it while the stored SyncVersion still equals version.
	MarkSynced(ctx context.Context, kind domain.EntityKind, id string, version time.Time) error
	PendingCounts(ctx context.Context) (map[domain.EntityKind]int, error)
}

// Now returns the store clock: UTC, truncated to the microsecond precision
// every backend can round-trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NextVersion stamps a mutation so that it always sorts after prev.
func NextVersion(prev time.Time) time.Time {
	now := Now()
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// VersionMatches compares a stored version against the one a push read.
func VersionMatches(stored time.Time, version time.Time) bool {
	if version.IsZero() {
		return true
	}
	return stored.UTC().Truncate(time.Microsecond).Equal(version.UTC().Truncate(time.Microsecond))
}

func ClampSalesLimit(limit int) int {
	if limit < 1 || limit > 1000 {
		return DefaultSalesLimit
	}
	return limit
}

// FormatReceiptNumber renders REC-yyyyMMdd-NNNN, with the device id inserted
// after the prefix when one is configured.
func FormatReceiptNumber(deviceID string, at time.Time, counter int) string {
	day := at.Format("20060102")
	deviceID = strings.ToUpper(strings.TrimSpace(deviceID))
	if deviceID == "" {
		return fmt.Sprintf("REC-%s-%04d", day, counter)
	}
	return fmt.Sprintf("REC-%s-%s-%04d", deviceID, day, counter)
}

// ParseReceiptCounter reads the stored counter, treating absent or corrupt
// values as 1.
func ParseReceiptCounter(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

func ValidateProduct(p domain.Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("product name is required")
	}
	if p.ID != "" && !xid.Valid(p.ID) {
		return invalid("product id %q is malformed", p.ID)
	}
	if p.Price.IsNegative() || p.Cost.IsNegative() {
		return invalid("product price and cost must not be negative")
	}
	if p.Stock < 0 || p.MinStock < 0 {
		return invalid("product stock must not be negative")
	}
	return nil
}

func ValidateCategory(c domain.Category) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("category name is required")
	}
	if c.ID != "" && !xid.Valid(c.ID) {
		return invalid("category id %q is malformed", c.ID)
	}
	if c.ParentID != "" && c.ParentID == c.ID {
		return invalid("category cannot be its own parent")
	}
	return nil
}

func ValidateCustomer(c domain.Customer) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("customer name is required")
	}
	if c.ID != "" && !xid.Valid(c.ID) {
		return invalid("customer id %q is malformed", c.ID)
	}
	if c.CreditLimit.IsNegative() || c.CurrentCredit.IsNegative() || c.LoyaltyPoints < 0 {
		return invalid("customer balances must not be negative")
	}
	return nil
}

func ValidateSale(s domain.Sale) error {
	if s.ID != "" && !xid.Valid(s.ID) {
		return invalid("sale id %q is malformed", s.ID)
	}
	if len(s.Items) == 0 {
		return invalid("sale requires at least one item")
	}
	for i, item := range s.Items {
		if item.Quantity < 1 {
			return invalid("item %d quantity must be positive", i)
		}
		if strings.TrimSpace(item.ProductName) == "" {
			return invalid("item %d product name is required", i)
		}
		if item.UnitPrice.IsNegative() || item.Total.IsNegative() {
			return invalid("item %d amounts must not be negative", i)
		}
	}
	for _, amount := range []decimal.Decimal{s.Subtotal, s.Discount, s.Tax, s.Total, s.AmountPaid} {
		if amount.IsNegative() {
			return invalid("sale amounts must not be negative")
		}
	}
	if strings.TrimSpace(s.PaymentMethod) == "" {
		return invalid("payment method is required")
	}
	return nil
}

// PrepareProduct assigns the id and timestamps of a product about to be
// written and marks it dirty. existing is nil on first insert.
func PrepareProduct(p domain.Product, existing *domain.Product) domain.Product {
	if p.ID == "" {
		p.ID = xid.New()
	}
	var prev time.Time
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
		prev = existing.UpdatedAt
	}
	p.UpdatedAt = NextVersion(prev)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	p.NeedsSync = true
	return p
}

func PrepareCategory(c domain.Category, existing *domain.Category) domain.Category {
	if c.ID == "" {
		c.ID = xid.New()
	}
	var prev time.Time
	if existing != nil {
		c.CreatedAt = existing.CreatedAt
		prev = existing.UpdatedAt
	}
	c.UpdatedAt = NextVersion(prev)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	c.NeedsSync = true
	return c
}

func PrepareCustomer(c domain.Customer, existing *domain.Customer) domain.Customer {
	if c.ID == "" {
		c.ID = xid.New()
	}
	var prev time.Time
	if existing != nil {
		c.CreatedAt = existing.CreatedAt
		prev = existing.UpdatedAt
	}
	c.UpdatedAt = NextVersion(prev)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	c.NeedsSync = true
	return c
}

// PrepareSale fills ids, status and timestamps of a new sale and assigns its
// receipt number from counter. The caller persists counter+1 in the same
// atomic step.
func PrepareSale(s domain.Sale, counter int) domain.Sale {
	if s.ID == "" {
		s.ID = xid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = Now()
	} else {
		s.CreatedAt = s.CreatedAt.UTC().Truncate(time.Microsecond)
	}
	if s.Status == "" {
		s.Status = domain.SaleStatusCompleted
	}
	s.ReceiptNumber = FormatReceiptNumber(s.DeviceID, s.CreatedAt, counter)
	items := make([]domain.SaleItem, len(s.Items))
	for i, item := range s.Items {
		if item.ID == "" {
			item.ID = xid.New()
		}
		item.SaleID = s.ID
		items[i] = item
	}
	s.Items = items
	s.NeedsSync = true
	return s
}

// DefaultCategories are created on first start of an empty store.
func DefaultCategories() []domain.Category {
	return []domain.Category{
		{ID: "cat_1", Name: "Beverages", Description: "Soft drinks, juices, water", SortOrder: 1, Active: true},
		{ID: "cat_2", Name: "Food", Description: "Prepared food", SortOrder: 2, Active: true},
		{ID: "cat_3", Name: "Snacks", Description: "Snacks and sweets", SortOrder: 3, Active: true},
		{ID: "cat_4", Name: "General", Description: "General products", SortOrder: 4, Active: true},
	}
}

// DefaultSettings are written when the key is absent.
func DefaultSettings() map[string]string {
	return map[string]string{
		domain.SettingBusinessName:   "My Store",
		domain.SettingTaxRate:        "16",
		domain.SettingReceiptCounter: "1",
	}
}
