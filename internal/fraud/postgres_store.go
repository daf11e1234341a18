package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they don't exist. The one-alert-per-
// transaction unique index is what the generator's idempotence rests on.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id           TEXT PRIMARY KEY,
			amount       DOUBLE PRECISION NOT NULL,
			currency     TEXT NOT NULL,
			from_account TEXT NOT NULL,
			to_account   TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			risk_score   DOUBLE PRECISION NOT NULL,
			ts           TIMESTAMPTZ NOT NULL,
			metadata     JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions (created_at DESC);

		CREATE TABLE IF NOT EXISTS alerts (
			id             TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			severity       TEXT NOT NULL,
			risk_score     DOUBLE PRECISION NOT NULL,
			title          TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			detected_at    TIMESTAMPTZ NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_transaction ON alerts (transaction_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts (detected_at DESC);
	`)
	return err
}

func (s *PostgresStore) SaveTransaction(ctx context.Context, tx *Transaction) error {
	meta, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, amount, currency, from_account, to_account, description, status, risk_score, ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, tx.Amount, tx.Currency, tx.FromAccount, tx.ToAccount, tx.Description, tx.Status, tx.RiskScore, tx.Timestamp, meta)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, amount, currency, from_account, to_account, description, status, risk_score, ts, metadata
		FROM transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (s *PostgresStore) UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus) (*Transaction, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTransaction(ctx, id)
}

func (s *PostgresStore) ListRecentTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount, currency, from_account, to_account, description, status, risk_score, ts, metadata
		FROM transactions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAlert(ctx context.Context, alert *Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, transaction_id, severity, risk_score, title, description, status, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, alert.ID, alert.TransactionID, alert.Severity, alert.RiskScore, alert.Title, alert.Description, alert.Status, alert.DetectedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateAlert
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) AlertExistsForTransaction(ctx context.Context, txID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM alerts WHERE transaction_id = $1)
	`, txID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("alert exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListRecentAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, severity, risk_score, title, description, status, detected_at
		FROM alerts ORDER BY detected_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a := &Alert{}
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.Severity, &a.RiskScore, &a.Title, &a.Description, &a.Status, &a.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var meta []byte
	err := row.Scan(&tx.ID, &tx.Amount, &tx.Currency, &tx.FromAccount, &tx.ToAccount,
		&tx.Description, &tx.Status, &tx.RiskScore, &tx.Timestamp, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return tx, nil
}
