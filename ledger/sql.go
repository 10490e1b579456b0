package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Blessedbiello/402pay-sub001/internal/sqlutil"
)

const transactionSchema = `
CREATE TABLE IF NOT EXISTS x402_transactions (
	id              TEXT PRIMARY KEY,
	nonce           TEXT NOT NULL UNIQUE,
	signature       TEXT UNIQUE,
	payer           TEXT NOT NULL,
	recipient       TEXT NOT NULL,
	amount          TEXT NOT NULL,
	currency        TEXT NOT NULL,
	network         TEXT NOT NULL,
	resource        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	subscription_id TEXT,
	agent_id        TEXT,
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL
)`

const transactionIndexes = `CREATE INDEX IF NOT EXISTS idx_x402_transactions_payer ON x402_transactions (payer, created_at)`

const selectColumns = `SELECT id, nonce, signature, payer, recipient, amount, currency, network, resource, status, subscription_id, agent_id, created_at, updated_at FROM x402_transactions`

// SQLStore persists transactions in Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	now     func() time.Time
}

// NewSQLStore creates the transactions table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, stmt := range []string{transactionSchema, transactionIndexes} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return s, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLStore) Create(ctx context.Context, tx *Transaction) error {
	prepare(tx, s.now())

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO x402_transactions
			(id, nonce, signature, payer, recipient, amount, currency, network, resource, status, subscription_id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		tx.ID, tx.Nonce, nullable(tx.Signature), tx.Payer, tx.Recipient, tx.Amount, tx.Currency,
		tx.Network, tx.Resource, string(tx.Status), nullable(tx.SubscriptionID), nullable(tx.AgentID),
		tx.CreatedAt.UnixMilli(), tx.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: create: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) Complete(ctx context.Context, id string, status Status, signature string) error {
	if err := checkFinal(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE x402_transactions
		SET status = ?, signature = COALESCE(signature, ?), updated_at = ?
		WHERE id = ? AND status = ?`),
		string(status), nullable(signature), s.now().UnixMilli(), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("ledger: complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: complete: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.get(ctx, `id = ?`, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLStore) GetByNonce(ctx context.Context, nonce string) (*Transaction, error) {
	return s.get(ctx, `nonce = ?`, nonce)
}

func (s *SQLStore) GetBySignature(ctx context.Context, signature string) (*Transaction, error) {
	if signature == "" {
		return nil, ErrNotFound
	}
	return s.get(ctx, `signature = ?`, signature)
}

func (s *SQLStore) get(ctx context.Context, where string, arg string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(selectColumns+` WHERE `+where), arg)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	return tx, nil
}

func (s *SQLStore) ListByPayer(ctx context.Context, payer string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		s.dialect.Rebind(selectColumns+` WHERE payer = ? ORDER BY created_at DESC LIMIT ?`), payer, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: list: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		tx                    Transaction
		signature, sub, agent sql.NullString
		status                string
		createdAt, updatedAt  int64
	)
	err := row.Scan(&tx.ID, &tx.Nonce, &signature, &tx.Payer, &tx.Recipient, &tx.Amount, &tx.Currency,
		&tx.Network, &tx.Resource, &status, &sub, &agent, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	tx.Signature = signature.String
	tx.SubscriptionID = sub.String
	tx.AgentID = agent.String
	tx.Status = Status(status)
	tx.CreatedAt = time.UnixMilli(createdAt)
	tx.UpdatedAt = time.UnixMilli(updatedAt)
	return &tx, nil
}
