// Package sqlite is the durable on-device store. It is the default local
// source of truth for desktop and mobile shells.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file (and its directory) when missing and
// applies the schema. WAL lets the UI read while the sync loop writes.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

const productColumns = `id, name, description, sku, barcode, price, cost, stock, min_stock,
	category_id, image_url, active, available_pos, needs_sync, created_at, updated_at`

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	var created, updated int64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SKU, &p.Barcode, &p.Price, &p.Cost, &p.Stock, &p.MinStock,
		&p.CategoryID, &p.ImageURL, &p.Active, &p.AvailablePOS, &p.NeedsSync, &created, &updated)
	p.CreatedAt, p.UpdatedAt = fromMicros(created), fromMicros(updated)
	return p, err
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE active = 1 ORDER BY name, id`)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) FindProductByCode(ctx context.Context, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE active = 1 AND (sku = ? COLLATE NOCASE OR barcode = ?)
		ORDER BY updated_at DESC LIMIT 1
	`, code, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing *domain.Product
	if product.ID != "" {
		prev, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, product.ID))
		switch {
		case err == nil:
			existing = &prev
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}
	p := store.PrepareProduct(product, existing)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description, sku = excluded.sku,
			barcode = excluded.barcode, price = excluded.price, cost = excluded.cost,
			stock = excluded.stock, min_stock = excluded.min_stock, category_id = excluded.category_id,
			image_url = excluded.image_url, active = excluded.active, available_pos = excluded.available_pos,
			needs_sync = 1, updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Description, p.SKU, p.Barcode, p.Price.String(), p.Cost.String(), p.Stock, p.MinStock,
		p.CategoryID, p.ImageURL, p.Active, p.AvailablePOS, p.NeedsSync, micros(p.CreatedAt), micros(p.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

const categoryColumns = `id, name, description, parent_id, sort_order, active, needs_sync, created_at, updated_at`

func scanCategory(row scanner) (domain.Category, error) {
	var c domain.Category
	var created, updated int64
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.SortOrder, &c.Active, &c.NeedsSync, &created, &updated)
	c.CreatedAt, c.UpdatedAt = fromMicros(created), fromMicros(updated)
	return c, err
}

func (s *Store) queryCategories(ctx context.Context, query string, args ...any) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.queryCategories(ctx, `SELECT `+categoryColumns+` FROM categories WHERE active = 1 ORDER BY sort_order, name`)
}

func (s *Store) SaveCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if err := store.ValidateCategory(category); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing *domain.Category
	if category.ID != "" {
		prev, err := scanCategory(tx.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, category.ID))
		switch {
		case err == nil:
			existing = &prev
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}
	c := store.PrepareCategory(category, existing)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO categories (`+categoryColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description, parent_id = excluded.parent_id,
			sort_order = excluded.sort_order, active = excluded.active,
			needs_sync = 1, updated_at = excluded.updated_at
	`, c.ID, c.Name, c.Description, c.ParentID, c.SortOrder, c.Active, c.NeedsSync, micros(c.CreatedAt), micros(c.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

const customerColumns = `id, name, email, phone, address, tax_id, credit_limit, current_credit,
	loyalty_points, notes, active, needs_sync, created_at, updated_at`

func scanCustomer(row scanner) (domain.Customer, error) {
	var c domain.Customer
	var created, updated int64
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.TaxID, &c.CreditLimit, &c.CurrentCredit,
		&c.LoyaltyPoints, &c.Notes, &c.Active, &c.NeedsSync, &created, &updated)
	c.CreatedAt, c.UpdatedAt = fromMicros(created), fromMicros(updated)
	return c, err
}

func (s *Store) queryCustomers(ctx context.Context, query string, args ...any) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers WHERE active = 1 ORDER BY name, id`)
}

func (s *Store) SaveCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := store.ValidateCustomer(customer); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing *domain.Customer
	if customer.ID != "" {
		prev, err := scanCustomer(tx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, customer.ID))
		switch {
		case err == nil:
			existing = &prev
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}
	c := store.PrepareCustomer(customer, existing)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email, phone = excluded.phone,
			address = excluded.address, tax_id = excluded.tax_id, credit_limit = excluded.credit_limit,
			current_credit = excluded.current_credit, loyalty_points = excluded.loyalty_points,
			notes = excluded.notes, active = excluded.active,
			needs_sync = 1, updated_at = excluded.updated_at
	`, c.ID, c.Name, c.Email, c.Phone, c.Address, c.TaxID, c.CreditLimit.String(), c.CurrentCredit.String(),
		c.LoyaltyPoints, c.Notes, c.Active, c.NeedsSync, micros(c.CreatedAt), micros(c.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

const saleColumns = `id, receipt_number, device_id, customer_id, customer_name, subtotal, discount, tax, total,
	payment_method, amount_paid, change_due, status, notes, needs_sync, created_at`

func scanSale(row scanner) (domain.Sale, error) {
	var sale domain.Sale
	var created int64
	err := row.Scan(&sale.ID, &sale.ReceiptNumber, &sale.DeviceID, &sale.CustomerID, &sale.CustomerName,
		&sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total, &sale.PaymentMethod, &sale.AmountPaid,
		&sale.Change, &sale.Status, &sale.Notes, &sale.NeedsSync, &created)
	sale.CreatedAt = fromMicros(created)
	return sale, err
}

func (s *Store) querySales(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range sales {
		items, err := s.saleItems(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}
	return sales, nil
}

func (s *Store) saleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price, discount, total
		FROM sale_items WHERE sale_id = ? ORDER BY position
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 4)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.UnitPrice, &item.Discount, &item.Total); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.querySales(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY created_at DESC, receipt_number DESC LIMIT ?`,
		store.ClampSalesLimit(limit))
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sales, err := s.querySales(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, store.ErrNotFound
	}
	return &sales[0], nil
}

// CreateSale reads and bumps the receipt counter inside the same write
// transaction that inserts the sale.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if sale.ID != "" {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sales WHERE id = ?`, sale.ID).Scan(&exists)
		if err == nil {
			return nil, store.ErrImmutable
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, domain.SettingReceiptCounter).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	counter := store.ParseReceiptCounter(raw)
	created := store.PrepareSale(sale, counter)
	for {
		taken, err := receiptTaken(ctx, tx, created.ReceiptNumber)
		if err != nil {
			return nil, err
		}
		if !taken {
			break
		}
		counter++
		created.ReceiptNumber = store.FormatReceiptNumber(created.DeviceID, created.CreatedAt, counter)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, created.ID, created.ReceiptNumber, created.DeviceID, created.CustomerID, created.CustomerName,
		created.Subtotal.String(), created.Discount.String(), created.Tax.String(), created.Total.String(),
		created.PaymentMethod, created.AmountPaid.String(), created.Change.String(), created.Status, created.Notes,
		created.NeedsSync, micros(created.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrImmutable, err)
		}
		return nil, err
	}
	for i, item := range created.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, position, product_id, product_name, quantity, unit_price, discount, total)
			VALUES (?,?,?,?,?,?,?,?,?)
		`, item.ID, item.SaleID, i, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPrice.String(), item.Discount.String(), item.Total.String())
		if err != nil {
			return nil, err
		}
	}
	if err := upsertSetting(ctx, tx, domain.SettingReceiptCounter, strconv.Itoa(counter+1)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &created, nil
}

func receiptTaken(ctx context.Context, tx *sql.Tx, number string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sales WHERE receipt_number = ?`, number).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) SetSetting(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return store.ErrInvalidRecord
	}
	return upsertSetting(ctx, s.db, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSetting(ctx context.Context, db execer, key string, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *Store) PendingSync(ctx context.Context, kind domain.EntityKind) ([]domain.Record, error) {
	var records []domain.Record
	switch kind {
	case domain.KindProducts:
		products, err := s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE needs_sync = 1 ORDER BY updated_at, id`)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			records = append(records, p)
		}
	case domain.KindCategories:
		categories, err := s.queryCategories(ctx, `SELECT `+categoryColumns+` FROM categories WHERE needs_sync = 1 ORDER BY updated_at, id`)
		if err != nil {
			return nil, err
		}
		for _, c := range categories {
			records = append(records, c)
		}
	case domain.KindCustomers:
		customers, err := s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers WHERE needs_sync = 1 ORDER BY updated_at, id`)
		if err != nil {
			return nil, err
		}
		for _, c := range customers {
			records = append(records, c)
		}
	case domain.KindSales:
		sales, err := s.querySales(ctx, `SELECT `+saleColumns+` FROM sales WHERE needs_sync = 1 ORDER BY created_at, id`)
		if err != nil {
			return nil, err
		}
		for _, sale := range sales {
			records = append(records, sale)
		}
	default:
		return nil, store.ErrInvalidRecord
	}
	if records == nil {
		records = []domain.Record{}
	}
	return records, nil
}

func (s *Store) MarkSynced(ctx context.Context, kind domain.EntityKind, id string, version time.Time) error {
	if !kind.Valid() {
		return store.ErrInvalidRecord
	}
	column := "updated_at"
	if kind == domain.KindSales {
		column = "created_at"
	}
	query := fmt.Sprintf(`UPDATE %s SET needs_sync = 0 WHERE id = ? AND needs_sync = 1`, kind)
	args := []any{id}
	if !version.IsZero() {
		query += fmt.Sprintf(` AND %s = ?`, column)
		args = append(args, micros(version.Truncate(time.Microsecond)))
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) PendingCounts(ctx context.Context) (map[domain.EntityKind]int, error) {
	counts := make(map[domain.EntityKind]int, len(domain.SyncKinds))
	for _, kind := range domain.SyncKinds {
		var n int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE needs_sync = 1`, kind)).Scan(&n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, nil
}
