package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

var hundred = decimal.NewFromInt(100)

type Service struct {
	repo     store.Repository
	deviceID string
	logger   *slog.Logger
}

func New(repo store.Repository, deviceID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		deviceID: strings.ToUpper(strings.TrimSpace(deviceID)),
		logger:   logger.With("component", "service"),
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidRecord, fmt.Sprintf(format, args...))
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

// FindProduct looks a scanned or typed code up by SKU first, then barcode.
func (s *Service) FindProduct(ctx context.Context, code string) (domain.Product, error) {
	p, err := s.repo.FindProductByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Product{}, err
	}
	return *p, nil
}

func (s *Service) SaveProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	p.SKU = strings.ToUpper(strings.TrimSpace(p.SKU))
	p.Barcode = strings.TrimSpace(p.Barcode)
	p.CategoryID = strings.TrimSpace(p.CategoryID)
	p.ImageURL = strings.TrimSpace(p.ImageURL)
	p.Price = p.Price.Round(2)
	p.Cost = p.Cost.Round(2)

	if p.Name == "" {
		return domain.Product{}, invalidf("product name is required")
	}
	if p.Price.IsNegative() || p.Cost.IsNegative() {
		return domain.Product{}, invalidf("price and cost must be zero or more")
	}
	if p.Stock < 0 || p.MinStock < 0 {
		return domain.Product{}, invalidf("stock must be zero or more")
	}
	// Saving always reactivates; hiding goes through SoftDeleteProduct.
	p.Active = true
	if p.ID == "" {
		p.AvailablePOS = true
	}

	if p.SKU != "" {
		clash, err := s.repo.FindProductByCode(ctx, p.SKU)
		switch {
		case err == nil && clash.ID != p.ID && strings.EqualFold(clash.SKU, p.SKU):
			return domain.Product{}, invalidf("sku %s already belongs to %s", p.SKU, clash.Name)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return domain.Product{}, err
		}
	}

	saved, err := s.repo.SaveProduct(ctx, p)
	if err != nil {
		return domain.Product{}, err
	}
	if saved.MinStock > 0 && saved.Stock <= saved.MinStock {
		s.logger.Info("product at or below minimum stock", "id", saved.ID, "stock", saved.Stock, "min_stock", saved.MinStock)
	}
	return *saved, nil
}

// SoftDeleteProduct hides the product from the catalogue. The row stays so
// the deactivation itself is pushed like any other edit.
func (s *Service) SoftDeleteProduct(ctx context.Context, id string) (domain.Product, error) {
	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	if !existing.Active {
		return *existing, nil
	}
	existing.Active = false
	existing.AvailablePOS = false
	saved, err := s.repo.SaveProduct(ctx, *existing)
	if err != nil {
		return domain.Product{}, err
	}
	return *saved, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) SaveCategory(ctx context.Context, c domain.Category) (domain.Category, error) {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Description = strings.TrimSpace(c.Description)
	c.ParentID = strings.TrimSpace(c.ParentID)
	if c.Name == "" {
		return domain.Category{}, invalidf("category name is required")
	}
	if c.SortOrder < 0 {
		return domain.Category{}, invalidf("sort order must be zero or more")
	}
	if c.ID == "" {
		c.Active = true
	}
	saved, err := s.repo.SaveCategory(ctx, c)
	if err != nil {
		return domain.Category{}, err
	}
	return *saved, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) SaveCustomer(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Phone = strings.TrimSpace(c.Phone)
	c.Address = strings.TrimSpace(c.Address)
	c.TaxID = strings.ToUpper(strings.TrimSpace(c.TaxID))
	c.Notes = strings.TrimSpace(c.Notes)
	c.CreditLimit = c.CreditLimit.Round(2)
	c.CurrentCredit = c.CurrentCredit.Round(2)

	if c.Name == "" {
		return domain.Customer{}, invalidf("customer name is required")
	}
	if c.Email != "" && !strings.Contains(c.Email, "@") {
		return domain.Customer{}, invalidf("customer email %q is malformed", c.Email)
	}
	if c.CreditLimit.IsNegative() || c.CurrentCredit.IsNegative() || c.LoyaltyPoints < 0 {
		return domain.Customer{}, invalidf("customer balances must be zero or more")
	}
	if c.ID == "" {
		c.Active = true
	}
	saved, err := s.repo.SaveCustomer(ctx, c)
	if err != nil {
		return domain.Customer{}, err
	}
	return *saved, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, limit)
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// CreateSale prices the cart, snapshots product names and prices, and
// stores the immutable sale with the next receipt number.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, invalidf("sale requires at least one item")
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(method) {
		return domain.Sale{}, invalidf("unsupported payment method %q", req.PaymentMethod)
	}
	if method == domain.PaymentCredit && strings.TrimSpace(req.CustomerID) == "" {
		return domain.Sale{}, invalidf("credit sales require a customer")
	}

	lines := make([]Line, 0, len(req.Items))
	for i, item := range req.Items {
		line, err := s.resolveLine(ctx, i, item)
		if err != nil {
			return domain.Sale{}, err
		}
		lines = append(lines, line)
	}

	rate, err := s.taxRate(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	totals, err := ComputeTotals(lines, req.DiscountPercent, rate)
	if err != nil {
		return domain.Sale{}, err
	}

	paid := req.AmountPaid.Round(2)
	change := decimal.Zero
	if method == domain.PaymentCash {
		if paid.LessThan(totals.Total) {
			return domain.Sale{}, invalidf("amount paid %s is less than total %s", paid.StringFixed(2), totals.Total.StringFixed(2))
		}
		change = paid.Sub(totals.Total)
	} else {
		paid = totals.Total
	}

	customerName := strings.TrimSpace(req.CustomerName)
	if req.CustomerID != "" && customerName == "" {
		customerName = s.customerName(ctx, req.CustomerID)
	}

	sale := domain.Sale{
		ID:            strings.TrimSpace(req.ID),
		DeviceID:      s.deviceID,
		CustomerID:    strings.TrimSpace(req.CustomerID),
		CustomerName:  customerName,
		Items:         totals.Items,
		Subtotal:      totals.Subtotal,
		Discount:      totals.Discount,
		Tax:           totals.Tax,
		Total:         totals.Total,
		PaymentMethod: method,
		AmountPaid:    paid,
		Change:        change,
		Status:        domain.SaleStatusCompleted,
		Notes:         strings.TrimSpace(req.Notes),
	}
	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logger.Info("sale recorded", "id", created.ID, "receipt", created.ReceiptNumber, "total", created.Total.StringFixed(2))
	return *created, nil
}

// ImportSale stores a sale priced elsewhere, such as a till that synced
// through this core. Totals must add up; the receipt number is reassigned.
func (s *Service) ImportSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	sale.PaymentMethod = strings.ToLower(strings.TrimSpace(sale.PaymentMethod))
	if err := CheckTotals(sale); err != nil {
		return domain.Sale{}, err
	}
	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}
	return *created, nil
}

func (s *Service) resolveLine(ctx context.Context, index int, item domain.SaleLineRequest) (Line, error) {
	line := Line{
		ProductID:   strings.TrimSpace(item.ProductID),
		ProductName: strings.TrimSpace(item.ProductName),
		Quantity:    item.Quantity,
		Discount:    item.Discount,
	}
	if line.Quantity < 1 {
		return Line{}, invalidf("item %d quantity must be at least 1", index)
	}
	if item.UnitPrice != nil {
		line.UnitPrice = *item.UnitPrice
	}
	if line.ProductID != "" && (item.UnitPrice == nil || line.ProductName == "") {
		product, err := s.repo.GetProduct(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Line{}, invalidf("item %d product %s not found", index, line.ProductID)
			}
			return Line{}, err
		}
		if item.UnitPrice == nil {
			line.UnitPrice = product.Price
		}
		if line.ProductName == "" {
			line.ProductName = product.Name
		}
	}
	if line.ProductName == "" {
		return Line{}, invalidf("item %d needs a product id or name", index)
	}
	if item.UnitPrice == nil && line.ProductID == "" {
		return Line{}, invalidf("item %d needs a unit price", index)
	}
	return line, nil
}

func (s *Service) customerName(ctx context.Context, id string) string {
	customers, err := s.repo.ListCustomers(ctx)
	if err != nil {
		s.logger.Warn("customer lookup failed", "id", id, "error", err)
		return ""
	}
	for _, c := range customers {
		if c.ID == id {
			return c.Name
		}
	}
	return ""
}

func (s *Service) taxRate(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.repo.GetSetting(ctx, domain.SettingTaxRate)
	if err != nil {
		return decimal.Zero, err
	}
	fallback := decimal.RequireFromString(store.DefaultSettings()[domain.SettingTaxRate])
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		s.logger.Warn("stored tax rate is not numeric, using default", "value", raw, "default", fallback.String())
		return fallback, nil
	}
	return rate, nil
}

func (s *Service) GetSetting(ctx context.Context, key string) (string, error) {
	return s.repo.GetSetting(ctx, strings.TrimSpace(key))
}

// SetSetting validates the keys the system itself depends on; any other key
// is stored as given for the UI.
func (s *Service) SetSetting(ctx context.Context, key string, value string) error {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return invalidf("setting key is required")
	}
	if err := ValidateSetting(key, value); err != nil {
		return err
	}
	if key == domain.SettingReceiptCounter {
		if err := s.checkCounterForward(ctx, value); err != nil {
			return err
		}
	}
	if key == domain.SettingRemoteURL {
		value = strings.TrimRight(value, "/")
	}
	return s.repo.SetSetting(ctx, key, value)
}

// checkCounterForward refuses to move the receipt counter backwards, which
// would hand out receipt numbers that are already printed.
func (s *Service) checkCounterForward(ctx context.Context, value string) error {
	current, err := s.repo.GetSetting(ctx, domain.SettingReceiptCounter)
	if err != nil {
		return err
	}
	next, _ := strconv.Atoi(value)
	if stored := store.ParseReceiptCounter(current); next < stored {
		return invalidf("receipt_counter cannot go back from %d to %d", stored, next)
	}
	return nil
}

func ValidateSetting(key string, value string) error {
	switch key {
	case domain.SettingTaxRate:
		rate, err := decimal.NewFromString(value)
		if err != nil || rate.IsNegative() || rate.GreaterThan(hundred) {
			return invalidf("tax_rate must be a number between 0 and 100")
		}
	case domain.SettingReceiptCounter:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return invalidf("receipt_counter must be a positive integer")
		}
	case domain.SettingRemoteURL:
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalidf("supabase_url must be an http or https URL")
		}
	case domain.SettingBusinessName:
		if value == "" {
			return invalidf("business_name cannot be empty")
		}
	}
	return nil
}

func (s *Service) PendingSync(ctx context.Context, kind domain.EntityKind) ([]domain.Record, error) {
	if !kind.Valid() {
		return nil, invalidf("unknown kind %q", kind)
	}
	return s.repo.PendingSync(ctx, kind)
}

func (s *Service) MarkSynced(ctx context.Context, kind domain.EntityKind, id string, version time.Time) error {
	if !kind.Valid() {
		return invalidf("unknown kind %q", kind)
	}
	if strings.TrimSpace(id) == "" {
		return invalidf("id is required")
	}
	return s.repo.MarkSynced(ctx, kind, strings.TrimSpace(id), version)
}

func (s *Service) PendingCounts(ctx context.Context) (map[domain.EntityKind]int, error) {
	return s.repo.PendingCounts(ctx)
}

// Seed writes the default categories and settings into an empty store. It
// is safe to call on every start.
func (s *Service) Seed(ctx context.Context) error {
	for key, value := range store.DefaultSettings() {
		current, err := s.repo.GetSetting(ctx, key)
		if err != nil {
			return err
		}
		if current != "" {
			continue
		}
		if err := s.repo.SetSetting(ctx, key, value); err != nil {
			return err
		}
	}

	existing, err := s.repo.ListCategories(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, c := range store.DefaultCategories() {
		if _, err := s.repo.SaveCategory(ctx, c); err != nil {
			return err
		}
	}
	s.logger.Info("seeded default categories and settings")
	return nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer, domain.PaymentCredit:
		return true
	}
	return false
}
