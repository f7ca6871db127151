// Package storetest holds the behavioural suite every store.Repository
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

// Factory returns an empty repository. Cleanup belongs to t.Cleanup.
type Factory func(t *testing.T) store.Repository

func Run(t *testing.T, newRepo Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, repo store.Repository)
	}{
		{"SavedProductIsPendingUntilMarked", testSavedProductIsPending},
		{"MarkSyncedUnknownIDIsNoop", testMarkSyncedUnknownIsNoop},
		{"EditDuringPushStaysPending", testEditDuringPushStaysPending},
		{"ZeroVersionClearsUnconditionally", testZeroVersionClears},
		{"ListProductsActiveOnly", testListProductsActiveOnly},
		{"FindProductByCode", testFindProductByCode},
		{"GetProductNotFound", testGetProductNotFound},
		{"RejectsInvalidRecords", testRejectsInvalidRecords},
		{"CategoriesOrderedAndPending", testCategories},
		{"CustomersRoundTrip", testCustomers},
		{"CreateSaleAssignsReceiptNumbers", testCreateSaleReceipts},
		{"ReceiptNumbersUniqueAfterCounterReset", testReceiptsUniqueAfterReset},
		{"SaleIsImmutable", testSaleIsImmutable},
		{"SalesNewestFirstWithLimit", testSalesNewestFirst},
		{"SalePendingAndSynced", testSalePendingAndSynced},
		{"Settings", testSettings},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newRepo(t))
		})
	}
}

func product(name, sku string) domain.Product {
	return domain.Product{
		Name:         name,
		SKU:          sku,
		Price:        decimal.RequireFromString("10.50"),
		Cost:         decimal.RequireFromString("6.25"),
		Stock:        12,
		Active:       true,
		AvailablePOS: true,
	}
}

func pendingIDs(t *testing.T, repo store.Repository, kind domain.EntityKind) map[string]domain.Record {
	t.Helper()
	records, err := repo.PendingSync(context.Background(), kind)
	require.NoError(t, err)
	out := make(map[string]domain.Record, len(records))
	for _, r := range records {
		assert.Equal(t, kind, r.RecordKind())
		out[r.RecordID()] = r
	}
	return out
}

func testSavedProductIsPending(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	saved, err := repo.SaveProduct(ctx, product("Tea", "TEA-1"))
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	assert.True(t, saved.NeedsSync)
	assert.False(t, saved.CreatedAt.IsZero())

	pending := pendingIDs(t, repo, domain.KindProducts)
	require.Contains(t, pending, saved.ID)
	got := pending[saved.ID].(domain.Product)
	assert.True(t, got.Price.Equal(saved.Price), "price %s != %s", got.Price, saved.Price)

	counts, err := repo.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.KindProducts])
	assert.Equal(t, 0, counts[domain.KindSales])

	require.NoError(t, repo.MarkSynced(ctx, domain.KindProducts, saved.ID, pending[saved.ID].SyncVersion()))
	assert.NotContains(t, pendingIDs(t, repo, domain.KindProducts), saved.ID)

	stored, err := repo.GetProduct(ctx, saved.ID)
	require.NoError(t, err)
	assert.False(t, stored.NeedsSync)
}

func testMarkSyncedUnknownIsNoop(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	saved, err := repo.SaveProduct(ctx, product("Tea", "TEA-1"))
	require.NoError(t, err)
	require.NoError(t, repo.MarkSynced(ctx, domain.KindProducts, "missing-id", time.Time{}))
	require.NoError(t, repo.MarkSynced(ctx, domain.KindProducts, saved.ID, time.Time{}))
	require.NoError(t, repo.MarkSynced(ctx, domain.KindProducts, saved.ID, time.Time{}))
	assert.Empty(t, pendingIDs(t, repo, domain.KindProducts))
}

func testEditDuringPushStaysPending(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	saved, err := repo.SaveProduct(ctx, product("Tea", "TEA-1"))
	require.NoError(t, err)
	readForPush := pendingIDs(t, repo, domain.KindProducts)[saved.ID]
	require.NotNil(t, readForPush)

	edit := *saved
	edit.Price = decimal.RequireFromString("11.00")
	edited, err := repo.SaveProduct(ctx, edit)
	require.NoError(t, err)
	assert.True(t, edited.UpdatedAt.After(saved.UpdatedAt))

	require.NoError(t, repo.MarkSynced(ctx, domain.KindProducts, saved.ID, readForPush.SyncVersion()))
	pending := pendingIDs(t, repo, domain.KindProducts)
	require.Contains(t, pending, saved.ID, "edit made during push must stay pending")

	require.NoError(t, repo.MarkSynced(ctx, domain.KindProducts, saved.ID, pending[saved.ID].SyncVersion()))
	assert.NotContains(t, pendingIDs(t, repo, domain.KindProducts), saved.ID)
}

func testZeroVersionClears(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	c, err := repo.SaveCustomer(ctx, domain.Customer{Name: "Ana", Active: true})
	require.NoError(t, err)
	_, err = repo.SaveCustomer(ctx, *c)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSynced(ctx, domain.KindCustomers, c.ID, time.Time{}))
	assert.Empty(t, pendingIDs(t, repo, domain.KindCustomers))
}

func testListProductsActiveOnly(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	b, err := repo.SaveProduct(ctx, product("Bread", "BREAD-1"))
	require.NoError(t, err)
	_, err = repo.SaveProduct(ctx, product("Apple", "APPLE-1"))
	require.NoError(t, err)

	hidden := *b
	hidden.Active = false
	_, err = repo.SaveProduct(ctx, hidden)
	require.NoError(t, err)

	products, err := repo.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Apple", products[0].Name)

	stillThere, err := repo.GetProduct(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, stillThere.Active)
	assert.True(t, stillThere.NeedsSync, "soft delete must be pushed")
}

func testFindProductByCode(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := product("Cola", "COLA-355")
	p.Barcode = "7501000000024"
	saved, err := repo.SaveProduct(ctx, p)
	require.NoError(t, err)

	bySKU, err := repo.FindProductByCode(ctx, "COLA-355")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, bySKU.ID)

	byBarcode, err := repo.FindProductByCode(ctx, "7501000000024")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byBarcode.ID)

	_, err = repo.FindProductByCode(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetProductNotFound(t *testing.T, repo store.Repository) {
	_, err := repo.GetProduct(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = repo.GetSale(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRejectsInvalidRecords(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	_, err := repo.SaveProduct(ctx, domain.Product{Name: " "})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
	_, err = repo.SaveCategory(ctx, domain.Category{})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
	_, err = repo.SaveCustomer(ctx, domain.Customer{Name: "X", CreditLimit: decimal.NewFromInt(-5)})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
	_, err = repo.CreateSale(ctx, domain.Sale{PaymentMethod: domain.PaymentCash})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)

	counts, err := repo.PendingCounts(ctx)
	require.NoError(t, err)
	for kind, n := range counts {
		assert.Zero(t, n, "kind %s", kind)
	}
}

func testCategories(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	for _, c := range store.DefaultCategories() {
		_, err := repo.SaveCategory(ctx, c)
		require.NoError(t, err)
	}
	categories, err := repo.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, categories, 4)
	assert.Equal(t, "cat_1", categories[0].ID)
	assert.Equal(t, "cat_4", categories[3].ID)
	assert.Len(t, pendingIDs(t, repo, domain.KindCategories), 4)
}

func testCustomers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	saved, err := repo.SaveCustomer(ctx, domain.Customer{
		Name:          "Ana",
		Email:         "ana@example.com",
		CreditLimit:   decimal.RequireFromString("500"),
		CurrentCredit: decimal.RequireFromString("120.40"),
		LoyaltyPoints: 7,
		Active:        true,
	})
	require.NoError(t, err)

	customers, err := repo.ListCustomers(ctx)
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, saved.ID, customers[0].ID)
	assert.True(t, customers[0].CurrentCredit.Equal(decimal.RequireFromString("120.4")))
	assert.Equal(t, 7, customers[0].LoyaltyPoints)
}

func sale(total string) domain.Sale {
	amount := decimal.RequireFromString(total)
	return domain.Sale{
		Items: []domain.SaleItem{
			{ProductID: "p1", ProductName: "Tea", Quantity: 2, UnitPrice: amount.Div(decimal.NewFromInt(2)), Total: amount},
		},
		Subtotal:      amount,
		Total:         amount,
		PaymentMethod: domain.PaymentCash,
		AmountPaid:    amount,
	}
}

func testCreateSaleReceipts(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.SetSetting(ctx, domain.SettingReceiptCounter, "41"))

	first, err := repo.CreateSale(ctx, sale("20.00"))
	require.NoError(t, err)
	second, err := repo.CreateSale(ctx, sale("30.00"))
	require.NoError(t, err)

	day := first.CreatedAt.Format("20060102")
	assert.Equal(t, "REC-"+day+"-0041", first.ReceiptNumber)
	assert.Equal(t, "REC-"+second.CreatedAt.Format("20060102")+"-0042", second.ReceiptNumber)

	counter, err := repo.GetSetting(ctx, domain.SettingReceiptCounter)
	require.NoError(t, err)
	assert.Equal(t, "43", counter)

	got, err := repo.GetSale(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, first.ID, got.Items[0].SaleID)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("20")))
	assert.Equal(t, domain.SaleStatusCompleted, got.Status)
}

// A counter moved back, directly or by a restored backup, must never hand
// out a receipt number that is already stored. Stores that validate
// settings may refuse the reset instead.
func testReceiptsUniqueAfterReset(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	first, err := repo.CreateSale(ctx, sale("20.00"))
	require.NoError(t, err)
	second, err := repo.CreateSale(ctx, sale("30.00"))
	require.NoError(t, err)

	if err := repo.SetSetting(ctx, domain.SettingReceiptCounter, "1"); err != nil {
		require.ErrorIs(t, err, store.ErrInvalidRecord)
	}

	third, err := repo.CreateSale(ctx, sale("40.00"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ReceiptNumber, third.ReceiptNumber)
	assert.NotEqual(t, second.ReceiptNumber, third.ReceiptNumber)

	sales, err := repo.ListSales(ctx, 10)
	require.NoError(t, err)
	seen := make(map[string]bool, len(sales))
	for _, s := range sales {
		assert.False(t, seen[s.ReceiptNumber], "duplicate receipt %s", s.ReceiptNumber)
		seen[s.ReceiptNumber] = true
	}
	assert.Len(t, seen, 3)

	counter, err := repo.GetSetting(ctx, domain.SettingReceiptCounter)
	require.NoError(t, err)
	assert.Greater(t, store.ParseReceiptCounter(counter), 3)
}

func testSaleIsImmutable(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	created, err := repo.CreateSale(ctx, sale("5.00"))
	require.NoError(t, err)

	again := sale("9.00")
	again.ID = created.ID
	_, err = repo.CreateSale(ctx, again)
	assert.ErrorIs(t, err, store.ErrImmutable)

	got, err := repo.GetSale(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("5")))
}

func testSalesNewestFirst(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := range 3 {
		s := sale("1.00")
		s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := repo.CreateSale(ctx, s)
		require.NoError(t, err)
	}

	sales, err := repo.ListSales(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.True(t, sales[0].CreatedAt.Equal(base.Add(2*time.Minute)))
	assert.True(t, sales[1].CreatedAt.Equal(base.Add(time.Minute)))

	all, err := repo.ListSales(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testSalePendingAndSynced(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	created, err := repo.CreateSale(ctx, sale("12.00"))
	require.NoError(t, err)

	pending := pendingIDs(t, repo, domain.KindSales)
	require.Contains(t, pending, created.ID)
	pushed := pending[created.ID].(domain.Sale)
	require.Len(t, pushed.Items, 1, "pushed sale carries its items")

	require.NoError(t, repo.MarkSynced(ctx, domain.KindSales, created.ID, pushed.SyncVersion()))
	assert.Empty(t, pendingIDs(t, repo, domain.KindSales))
}

func testSettings(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	v, err := repo.GetSetting(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, repo.SetSetting(ctx, domain.SettingTaxRate, "16"))
	require.NoError(t, repo.SetSetting(ctx, domain.SettingTaxRate, "8"))
	v, err = repo.GetSetting(ctx, domain.SettingTaxRate)
	require.NoError(t, err)
	assert.Equal(t, "8", v)
}
