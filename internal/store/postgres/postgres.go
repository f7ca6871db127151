package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

//go:embed schema.sql
var schema string

// Store is the shared back-office variant of the local store, used when a
// shop runs several tills against one database.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func stamp(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

const productColumns = `id, name, description, sku, barcode, price, cost, stock, min_stock,
	category_id, image_url, active, available_pos, needs_sync, created_at, updated_at`

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.SKU, &p.Barcode, &p.Price, &p.Cost, &p.Stock, &p.MinStock,
		&p.CategoryID, &p.ImageURL, &p.Active, &p.AvailablePOS, &p.NeedsSync, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY name, id
	`)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
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
		SELECT `+productColumns+`
		FROM products
		WHERE active = true AND (upper(sku) = upper($1) OR barcode = $1)
		ORDER BY updated_at DESC
		LIMIT 1
	`, code))
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing *domain.Product
	if product.ID != "" {
		prev, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, product.ID))
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, sku = EXCLUDED.sku,
			barcode = EXCLUDED.barcode, price = EXCLUDED.price, cost = EXCLUDED.cost,
			stock = EXCLUDED.stock, min_stock = EXCLUDED.min_stock, category_id = EXCLUDED.category_id,
			image_url = EXCLUDED.image_url, active = EXCLUDED.active, available_pos = EXCLUDED.available_pos,
			needs_sync = true, updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Description, p.SKU, p.Barcode, p.Price.String(), p.Cost.String(), p.Stock, p.MinStock,
		p.CategoryID, p.ImageURL, p.Active, p.AvailablePOS, p.NeedsSync, p.CreatedAt, p.UpdatedAt)
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
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.SortOrder, &c.Active, &c.NeedsSync, &c.CreatedAt, &c.UpdatedAt)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.queryCategories(ctx, `
		SELECT `+categoryColumns+`
		FROM categories
		WHERE active = true
		ORDER BY sort_order, name
	`)
}

func (s *Store) SaveCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if err := store.ValidateCategory(category); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing *domain.Category
	if category.ID != "" {
		prev, err := scanCategory(tx.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = $1 FOR UPDATE`, category.ID))
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, parent_id = EXCLUDED.parent_id,
			sort_order = EXCLUDED.sort_order, active = EXCLUDED.active,
			needs_sync = true, updated_at = EXCLUDED.updated_at
	`, c.ID, c.Name, c.Description, c.ParentID, c.SortOrder, c.Active, c.NeedsSync, c.CreatedAt, c.UpdatedAt)
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
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.TaxID, &c.CreditLimit, &c.CurrentCredit,
		&c.LoyaltyPoints, &c.Notes, &c.Active, &c.NeedsSync, &c.CreatedAt, &c.UpdatedAt)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.queryCustomers(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE active = true
		ORDER BY name, id
	`)
}

func (s *Store) SaveCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := store.ValidateCustomer(customer); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing *domain.Customer
	if customer.ID != "" {
		prev, err := scanCustomer(tx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, customer.ID))
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone,
			address = EXCLUDED.address, tax_id = EXCLUDED.tax_id, credit_limit = EXCLUDED.credit_limit,
			current_credit = EXCLUDED.current_credit, loyalty_points = EXCLUDED.loyalty_points,
			notes = EXCLUDED.notes, active = EXCLUDED.active,
			needs_sync = true, updated_at = EXCLUDED.updated_at
	`, c.ID, c.Name, c.Email, c.Phone, c.Address, c.TaxID, c.CreditLimit.String(), c.CurrentCredit.String(),
		c.LoyaltyPoints, c.Notes, c.Active, c.NeedsSync, c.CreatedAt, c.UpdatedAt)
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
	err := row.Scan(&sale.ID, &sale.ReceiptNumber, &sale.DeviceID, &sale.CustomerID, &sale.CustomerName,
		&sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total, &sale.PaymentMethod, &sale.AmountPaid,
		&sale.Change, &sale.Status, &sale.Notes, &sale.NeedsSync, &sale.CreatedAt)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, err
}

// querySales loads the sale headers and then their items with one extra
// query keyed by sale id.
func (s *Store) querySales(ctx context.Context, query string, args ...any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 32)
	index := make(map[string]int)
	ids := make([]string, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sale.Items = []domain.SaleItem{}
		index[sale.ID] = len(sales)
		ids = append(ids, sale.ID)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return sales, nil
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price, discount, total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.Quantity,
			&item.UnitPrice, &item.Discount, &item.Total); err != nil {
			return nil, err
		}
		i := index[item.SaleID]
		sales[i].Items = append(sales[i].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.querySales(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		ORDER BY created_at DESC, receipt_number DESC
		LIMIT $1
	`, store.ClampSalesLimit(limit))
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sales, err := s.querySales(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, store.ErrNotFound
	}
	return &sales[0], nil
}

// CreateSale locks the receipt counter row for the length of the insert so
// two tills sharing the database never hand out the same number.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, '1')
		ON CONFLICT (key) DO NOTHING
	`, domain.SettingReceiptCounter); err != nil {
		return nil, err
	}
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1 FOR UPDATE`, domain.SettingReceiptCounter).Scan(&raw); err != nil {
		return nil, err
	}
	counter := store.ParseReceiptCounter(raw)
	created := store.PrepareSale(sale, counter)
	for {
		var taken bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE receipt_number = $1)`, created.ReceiptNumber).Scan(&taken); err != nil {
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
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, created.ID, created.ReceiptNumber, created.DeviceID, created.CustomerID, created.CustomerName,
		created.Subtotal.String(), created.Discount.String(), created.Tax.String(), created.Total.String(),
		created.PaymentMethod, created.AmountPaid.String(), created.Change.String(), created.Status, created.Notes,
		created.NeedsSync, created.CreatedAt)
	if err != nil {
		if isPrimaryKeyViolation(err, "sales_pkey") {
			return nil, store.ErrImmutable
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrImmutable, err)
		}
		return nil, err
	}
	for i, item := range created.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, position, product_id, product_name, quantity, unit_price, discount, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, item.SaleID, i, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPrice.String(), item.Discount.String(), item.Total.String())
		if err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE settings SET value = $2 WHERE key = $1`,
		domain.SettingReceiptCounter, strconv.Itoa(counter+1)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) SetSetting(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return store.ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func (s *Store) PendingSync(ctx context.Context, kind domain.EntityKind) ([]domain.Record, error) {
	records := make([]domain.Record, 0)
	switch kind {
	case domain.KindProducts:
		products, err := s.queryProducts(ctx, `SELECT `+productColumns+` FROM products WHERE needs_sync ORDER BY updated_at, id`)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			records = append(records, p)
		}
	case domain.KindCategories:
		categories, err := s.queryCategories(ctx, `SELECT `+categoryColumns+` FROM categories WHERE needs_sync ORDER BY updated_at, id`)
		if err != nil {
			return nil, err
		}
		for _, c := range categories {
			records = append(records, c)
		}
	case domain.KindCustomers:
		customers, err := s.queryCustomers(ctx, `SELECT `+customerColumns+` FROM customers WHERE needs_sync ORDER BY updated_at, id`)
		if err != nil {
			return nil, err
		}
		for _, c := range customers {
			records = append(records, c)
		}
	case domain.KindSales:
		sales, err := s.querySales(ctx, `SELECT `+saleColumns+` FROM sales WHERE needs_sync ORDER BY created_at, id`)
		if err != nil {
			return nil, err
		}
		for _, sale := range sales {
			records = append(records, sale)
		}
	default:
		return nil, store.ErrInvalidRecord
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
	// kind and column come from closed sets, never from input.
	query := fmt.Sprintf(`UPDATE %s SET needs_sync = false WHERE id = $1 AND needs_sync`, kind)
	args := []any{id}
	if !version.IsZero() {
		query += fmt.Sprintf(` AND %s = $2`, column)
		args = append(args, stamp(version))
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) PendingCounts(ctx context.Context) (map[domain.EntityKind]int, error) {
	counts := make(map[domain.EntityKind]int, len(domain.SyncKinds))
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'products', COUNT(*) FROM products WHERE needs_sync
		UNION ALL SELECT 'categories', COUNT(*) FROM categories WHERE needs_sync
		UNION ALL SELECT 'customers', COUNT(*) FROM customers WHERE needs_sync
		UNION ALL SELECT 'sales', COUNT(*) FROM sales WHERE needs_sync
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[domain.EntityKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isPrimaryKeyViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}
