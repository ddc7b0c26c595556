// Package postgres persists the local sale archive and auth users. Sales are
// archived exactly as acknowledged so end-of-day reconciliation can replay
// them even when the retail backend is unreachable.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/store"
	"smartretail/pos/internal/xid"
)

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

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pos_sales (
			id TEXT PRIMARY KEY,
			cashier_id BIGINT NOT NULL,
			lines JSONB NOT NULL,
			subtotal NUMERIC(14,4) NOT NULL,
			tax_total NUMERIC(14,4) NOT NULL,
			discount_total NUMERIC(14,4) NOT NULL,
			total NUMERIC(14,2) NOT NULL,
			payment JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pos_sales_created_at ON pos_sales (created_at DESC);

		CREATE TABLE IF NOT EXISTS app_users (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (s *Store) CreateSale(ctx context.Context, draft domain.SaleDraft) (domain.FinalizedSale, error) {
	if len(draft.Lines) == 0 {
		return domain.FinalizedSale{}, fmt.Errorf("%w: sale has no lines", store.ErrValidation)
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	lines, err := json.Marshal(draft.Lines)
	if err != nil {
		return domain.FinalizedSale{}, err
	}
	payment, err := json.Marshal(draft.Payment)
	if err != nil {
		return domain.FinalizedSale{}, err
	}

	sale := domain.FinalizedSale{ID: xid.New("sale"), SaleDraft: draft}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pos_sales (id, cashier_id, lines, subtotal, tax_total, discount_total, total, payment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.CashierID, lines, sale.Subtotal, sale.TaxTotal, sale.DiscountTotal, sale.Total, payment, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.FinalizedSale{}, fmt.Errorf("%w: duplicate sale id", store.ErrValidation)
		}
		return domain.FinalizedSale{}, fmt.Errorf("%w: insert sale: %v", store.ErrTransport, err)
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, page int, size int) (domain.SalePage, error) {
	if size < 1 {
		size = 10
	}
	if page < 0 {
		page = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM pos_sales`).Scan(&total); err != nil {
		return domain.SalePage{}, fmt.Errorf("%w: count sales: %v", store.ErrTransport, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cashier_id, lines, subtotal, tax_total, discount_total, total, payment, created_at
		FROM pos_sales
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, size, page*size)
	if err != nil {
		return domain.SalePage{}, fmt.Errorf("%w: list sales: %v", store.ErrTransport, err)
	}
	defer rows.Close()

	sales := make([]domain.FinalizedSale, 0, size)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return domain.SalePage{}, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return domain.SalePage{}, fmt.Errorf("%w: list sales: %v", store.ErrTransport, err)
	}

	return domain.SalePage{
		Content:       sales,
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
	}, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (domain.FinalizedSale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cashier_id, lines, subtotal, tax_total, discount_total, total, payment, created_at
		FROM pos_sales
		WHERE id = $1
	`, id)

	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FinalizedSale{}, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
		}
		return domain.FinalizedSale{}, err
	}
	return sale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (domain.FinalizedSale, error) {
	var sale domain.FinalizedSale
	var lines, payment []byte
	err := row.Scan(&sale.ID, &sale.CashierID, &lines, &sale.Subtotal, &sale.TaxTotal,
		&sale.DiscountTotal, &sale.Total, &payment, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FinalizedSale{}, err
		}
		return domain.FinalizedSale{}, fmt.Errorf("%w: scan sale: %v", store.ErrTransport, err)
	}
	if err := json.Unmarshal(lines, &sale.Lines); err != nil {
		return domain.FinalizedSale{}, fmt.Errorf("%w: decode sale lines: %v", store.ErrTransport, err)
	}
	if err := json.Unmarshal(payment, &sale.Payment); err != nil {
		return domain.FinalizedSale{}, fmt.Errorf("%w: decode sale payment: %v", store.ErrTransport, err)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password required", store.ErrValidation)
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrValidation, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password required", store.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
