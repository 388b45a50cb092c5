package staffportal

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStaffRepo is the SQL-backed StaffRepo, shaped after
// internal/payment/repo.Postgres: a thin struct over *sql.DB, one query per
// lookup the use-case layer needs.
type PostgresStaffRepo struct {
	DB *sql.DB
}

func NewPostgresStaffRepo(db *sql.DB) *PostgresStaffRepo {
	return &PostgresStaffRepo{DB: db}
}

func (r *PostgresStaffRepo) FetchByEmail(ctx context.Context, email string) (*StaffAccount, error) {
	var a StaffAccount
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, merchant_id FROM staff_account WHERE email=$1`, email,
	).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.MerchantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("staffportal: no staff account for %q", email)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
