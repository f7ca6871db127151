package memory

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

// Store keeps every entity in process memory. It backs tests and the
// browser demo mode where nothing needs to survive a restart.
type Store struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	categories map[string]domain.Category
	customers  map[string]domain.Customer
	sales      map[string]domain.Sale
	settings   map[string]string
}

func New() *Store {
	return &Store{
		products:   make(map[string]domain.Product),
		categories: make(map[string]domain.Category),
		customers:  make(map[string]domain.Customer),
		sales:      make(map[string]domain.Sale),
		settings:   make(map[string]string),
	}
}

// NewSeeded returns a store holding the default categories and settings plus
// a handful of demo products.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()
	for _, c := range store.DefaultCategories() {
		_, _ = s.SaveCategory(ctx, c)
	}
	for k, v := range store.DefaultSettings() {
		s.settings[k] = v
	}
	for _, p := range []domain.Product{
		{Name: "Mineral Water 600ml", SKU: "WATER-600", Barcode: "7501000000017", Price: decimal.RequireFromString("12.00"), Cost: decimal.RequireFromString("7.50"), Stock: 48, CategoryID: "cat_1"},
		{Name: "Cola 355ml", SKU: "COLA-355", Barcode: "7501000000024", Price: decimal.RequireFromString("18.50"), Cost: decimal.RequireFromString("11.00"), Stock: 36, CategoryID: "cat_1"},
		{Name: "Potato Chips", SKU: "CHIPS-45", Price: decimal.RequireFromString("21.00"), Cost: decimal.RequireFromString("13.40"), Stock: 20, CategoryID: "cat_3"},
	} {
		p.Active = true
		p.AvailablePOS = true
		_, _ = s.SaveProduct(ctx, p)
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.ID, b.ID))
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) FindProductByCode(_ context.Context, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products {
		if p.Active && (strings.EqualFold(p.SKU, code) || p.Barcode == code) {
			found := p
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SaveProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *domain.Product
	if prev, ok := s.products[product.ID]; ok && product.ID != "" {
		existing = &prev
	}
	saved := store.PrepareProduct(product, existing)
	s.products[saved.ID] = saved
	return &saved, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		if c.Active {
			categories = append(categories, c)
		}
	}
	slices.SortFunc(categories, func(a, b domain.Category) int {
		return cmp.Or(cmp.Compare(a.SortOrder, b.SortOrder), strings.Compare(a.Name, b.Name))
	})
	return categories, nil
}

func (s *Store) SaveCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	if err := store.ValidateCategory(category); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *domain.Category
	if prev, ok := s.categories[category.ID]; ok && category.ID != "" {
		existing = &prev
	}
	saved := store.PrepareCategory(category, existing)
	s.categories[saved.ID] = saved
	return &saved, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if c.Active {
			customers = append(customers, c)
		}
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.ID, b.ID))
	})
	return customers, nil
}

func (s *Store) SaveCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := store.ValidateCustomer(customer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *domain.Customer
	if prev, ok := s.customers[customer.ID]; ok && customer.ID != "" {
		existing = &prev
	}
	saved := store.PrepareCustomer(customer, existing)
	s.customers[saved.ID] = saved
	return &saved, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	limit = store.ClampSalesLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), strings.Compare(b.ReceiptNumber, a.ReceiptNumber))
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySale := cloneSale(sale)
	return &copySale, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sales[sale.ID]; exists && sale.ID != "" {
		return nil, store.ErrImmutable
	}
	counter := store.ParseReceiptCounter(s.settings[domain.SettingReceiptCounter])
	created := store.PrepareSale(cloneSale(sale), counter)
	for s.receiptTaken(created.ReceiptNumber) {
		counter++
		created.ReceiptNumber = store.FormatReceiptNumber(created.DeviceID, created.CreatedAt, counter)
	}
	s.settings[domain.SettingReceiptCounter] = strconv.Itoa(counter + 1)
	s.sales[created.ID] = created

	out := cloneSale(created)
	return &out, nil
}

func (s *Store) receiptTaken(number string) bool {
	for _, existing := range s.sales {
		if existing.ReceiptNumber == number {
			return true
		}
	}
	return false
}

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *Store) SetSetting(_ context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return store.ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Store) PendingSync(_ context.Context, kind domain.EntityKind) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.Record, 0)
	switch kind {
	case domain.KindProducts:
		for _, p := range s.products {
			if p.NeedsSync {
				records = append(records, p)
			}
		}
	case domain.KindCategories:
		for _, c := range s.categories {
			if c.NeedsSync {
				records = append(records, c)
			}
		}
	case domain.KindCustomers:
		for _, c := range s.customers {
			if c.NeedsSync {
				records = append(records, c)
			}
		}
	case domain.KindSales:
		for _, sale := range s.sales {
			if sale.NeedsSync {
				records = append(records, cloneSale(sale))
			}
		}
	default:
		return nil, store.ErrInvalidRecord
	}

	slices.SortFunc(records, func(a, b domain.Record) int {
		return cmp.Or(a.SyncVersion().Compare(b.SyncVersion()), strings.Compare(a.RecordID(), b.RecordID()))
	})
	return records, nil
}

func (s *Store) MarkSynced(_ context.Context, kind domain.EntityKind, id string, version time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.KindProducts:
		if p, ok := s.products[id]; ok && store.VersionMatches(p.UpdatedAt, version) {
			p.NeedsSync = false
			s.products[id] = p
		}
	case domain.KindCategories:
		if c, ok := s.categories[id]; ok && store.VersionMatches(c.UpdatedAt, version) {
			c.NeedsSync = false
			s.categories[id] = c
		}
	case domain.KindCustomers:
		if c, ok := s.customers[id]; ok && store.VersionMatches(c.UpdatedAt, version) {
			c.NeedsSync = false
			s.customers[id] = c
		}
	case domain.KindSales:
		if sale, ok := s.sales[id]; ok {
			sale.NeedsSync = false
			s.sales[id] = sale
		}
	default:
		return store.ErrInvalidRecord
	}
	return nil
}

func (s *Store) PendingCounts(_ context.Context) (map[domain.EntityKind]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.EntityKind]int, len(domain.SyncKinds))
	for _, kind := range domain.SyncKinds {
		counts[kind] = 0
	}
	for _, p := range s.products {
		if p.NeedsSync {
			counts[domain.KindProducts]++
		}
	}
	for _, c := range s.categories {
		if c.NeedsSync {
			counts[domain.KindCategories]++
		}
	}
	for _, c := range s.customers {
		if c.NeedsSync {
			counts[domain.KindCustomers]++
		}
	}
	for _, sale := range s.sales {
		if sale.NeedsSync {
			counts[domain.KindSales]++
		}
	}
	return counts, nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Items = slices.Clone(src.Items)
	return dst
}
