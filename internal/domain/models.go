package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntityKind string

const (
	KindProducts   EntityKind = "products"
	KindCategories EntityKind = "categories"
	KindCustomers  EntityKind = "customers"
	KindSales      EntityKind = "sales"
)

// SyncKinds lists every entity kind the sync engine pushes.
var SyncKinds = []EntityKind{KindProducts, KindCategories, KindCustomers, KindSales}

func (k EntityKind) Valid() bool {
	switch k {
	case KindProducts, KindCategories, KindCustomers, KindSales:
		return true
	}
	return false
}

// Record is implemented by every entity that takes part in sync.
type Record interface {
	RecordID() string
	RecordKind() EntityKind
	// SyncVersion identifies the local revision that was read for a push.
	SyncVersion() time.Time
}

type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	SKU          string          `json:"sku,omitempty"`
	Barcode      string          `json:"barcode,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Cost         decimal.Decimal `json:"cost"`
	Stock        int             `json:"stock"`
	MinStock     int             `json:"min_stock"`
	CategoryID   string          `json:"category_id,omitempty"`
	ImageURL     string          `json:"image_url,omitempty"`
	Active       bool            `json:"active"`
	AvailablePOS bool            `json:"available_pos"`
	NeedsSync    bool            `json:"needs_sync"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (p Product) RecordID() string       { return p.ID }
func (p Product) RecordKind() EntityKind { return KindProducts }
func (p Product) SyncVersion() time.Time { return p.UpdatedAt }

type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	SortOrder   int       `json:"sort_order"`
	Active      bool      `json:"active"`
	NeedsSync   bool      `json:"needs_sync"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c Category) RecordID() string       { return c.ID }
func (c Category) RecordKind() EntityKind { return KindCategories }
func (c Category) SyncVersion() time.Time { return c.UpdatedAt }

type Customer struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Email         string          `json:"email,omitempty"`
	Phone         string          `json:"phone,omitempty"`
	Address       string          `json:"address,omitempty"`
	TaxID         string          `json:"tax_id,omitempty"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
	CurrentCredit decimal.Decimal `json:"current_credit"`
	LoyaltyPoints int             `json:"loyalty_points"`
	Notes         string          `json:"notes,omitempty"`
	Active        bool            `json:"active"`
	NeedsSync     bool            `json:"needs_sync"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (c Customer) RecordID() string       { return c.ID }
func (c Customer) RecordKind() EntityKind { return KindCustomers }
func (c Customer) SyncVersion() time.Time { return c.UpdatedAt }

// SaleItem is a snapshot of a product line at sale time. It is owned by
// exactly one Sale and never mutated on its own.
type SaleItem struct {
	ID          string          `json:"id"`
	SaleID      string          `json:"sale_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`
}

type Sale struct {
	ID            string          `json:"id"`
	ReceiptNumber string          `json:"receipt_number"`
	DeviceID      string          `json:"device_id,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
	Items         []SaleItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Change        decimal.Decimal `json:"change"`
	Status        string          `json:"status"`
	Notes         string          `json:"notes,omitempty"`
	NeedsSync     bool            `json:"needs_sync"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (s Sale) RecordID() string       { return s.ID }
func (s Sale) RecordKind() EntityKind { return KindSales }
func (s Sale) SyncVersion() time.Time { return s.CreatedAt }

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

const (
	SettingRemoteURL      = "supabase_url"
	SettingRemoteKey      = "supabase_key"
	SettingTaxRate        = "tax_rate"
	SettingReceiptCounter = "receipt_counter"
	SettingBusinessName   = "business_name"
	SettingBusinessPhone  = "business_phone"
)

const (
	SaleStatusCompleted = "completed"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentCredit   = "credit"
)

// SaleLineRequest describes one cart line submitted by the presentation layer.
type SaleLineRequest struct {
	ProductID   string           `json:"product_id"`
	ProductName string           `json:"product_name,omitempty"`
	Quantity    int              `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	Discount    decimal.Decimal  `json:"discount"`
}

// SaleRequest is the checkout payload; totals are computed server-side.
type SaleRequest struct {
	ID              string            `json:"id,omitempty"`
	CustomerID      string            `json:"customer_id,omitempty"`
	CustomerName    string            `json:"customer_name,omitempty"`
	Items           []SaleLineRequest `json:"items"`
	DiscountPercent decimal.Decimal   `json:"discount_percent"`
	PaymentMethod   string            `json:"payment_method"`
	AmountPaid      decimal.Decimal   `json:"amount_paid"`
	Notes           string            `json:"notes,omitempty"`
}
