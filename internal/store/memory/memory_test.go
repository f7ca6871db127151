package memory

import (
	"context"
	"testing"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
	"possync/backend/internal/store/storetest"
)

func TestRepositoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository { return New() })
}

func TestNewSeededHasDefaults(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	categories, err := s.ListCategories(ctx)
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if len(categories) != 4 {
		t.Fatalf("expected 4 default categories, got %d", len(categories))
	}
	rate, _ := s.GetSetting(ctx, domain.SettingTaxRate)
	if rate != "16" {
		t.Fatalf("expected default tax rate 16, got %q", rate)
	}
	products, _ := s.ListProducts(ctx)
	if len(products) == 0 {
		t.Fatalf("expected demo products")
	}
}

func TestReturnedSaleItemsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, err := s.CreateSale(ctx, domain.Sale{
		Items:         []domain.SaleItem{{ProductName: "Tea", Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	created.Items[0].ProductName = "mutated"

	got, _ := s.GetSale(ctx, created.ID)
	if got.Items[0].ProductName != "Tea" {
		t.Fatalf("store leaked internal slice: %q", got.Items[0].ProductName)
	}
}
