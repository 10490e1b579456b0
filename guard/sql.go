package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Blessedbiello/402pay-sub001/internal/sqlutil"
)

const nonceSchema = `
CREATE TABLE IF NOT EXISTS x402_nonces (
	nonce      TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL
)`

// SQLStore is a Store on a relational table keyed by nonce. Claim is a
// conditional UPDATE, falling back to INSERT ... ON CONFLICT DO NOTHING for
// nonces that were never reserved, so the primary key arbitrates races.
type SQLStore struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	now     func() time.Time
}

// NewSQLStore creates the nonce table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, nonceSchema); err != nil {
		return fmt.Errorf("guard: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Reserve(ctx context.Context, nonce string, expiresAt time.Time) error {
	if nonce == "" {
		return ErrEmptyNonce
	}
	n, err := s.exec(ctx,
		`INSERT INTO x402_nonces (nonce, state, expires_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (nonce) DO NOTHING`,
		nonce, string(StateOutstanding), expiryMillis(expiresAt), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("guard: reserve: %w", err)
	}
	if n == 0 {
		return ErrNonceExists
	}
	return nil
}

func (s *SQLStore) Claim(ctx context.Context, nonce string, expiresAt time.Time) (bool, State, error) {
	if nonce == "" {
		return false, StateAbsent, ErrEmptyNonce
	}

	// A concurrent Reserve can slip in between the UPDATE and the INSERT, so
	// retry a couple of times while the row is still outstanding.
	for attempt := 0; attempt < 3; attempt++ {
		n, err := s.exec(ctx,
			`UPDATE x402_nonces SET state = ?, updated_at = ? WHERE nonce = ? AND state = ?`,
			string(StateClaimed), s.now().UnixMilli(), nonce, string(StateOutstanding))
		if err != nil {
			return false, StateAbsent, fmt.Errorf("guard: claim: %w", err)
		}
		if n == 1 {
			return true, StateOutstanding, nil
		}

		n, err = s.exec(ctx,
			`INSERT INTO x402_nonces (nonce, state, expires_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (nonce) DO NOTHING`,
			nonce, string(StateClaimed), expiryMillis(expiresAt), s.now().UnixMilli())
		if err != nil {
			return false, StateAbsent, fmt.Errorf("guard: claim: %w", err)
		}
		if n == 1 {
			return true, StateAbsent, nil
		}

		state, err := s.State(ctx, nonce)
		if err != nil {
			return false, StateAbsent, err
		}
		if state != StateOutstanding && state != StateAbsent {
			return false, state, nil
		}
	}
	return false, StateClaimed, nil
}

func (s *SQLStore) Finalize(ctx context.Context, nonce string, outcome State) error {
	if err := checkOutcome(outcome); err != nil {
		return err
	}
	n, err := s.exec(ctx,
		`UPDATE x402_nonces SET state = ?, updated_at = ? WHERE nonce = ? AND state = ?`,
		string(outcome), s.now().UnixMilli(), nonce, string(StateClaimed))
	if err != nil {
		return fmt.Errorf("guard: finalize: %w", err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *SQLStore) State(ctx context.Context, nonce string) (State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT state FROM x402_nonces WHERE nonce = ?`), nonce).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return StateAbsent, nil
	}
	if err != nil {
		return StateAbsent, fmt.Errorf("guard: state: %w", err)
	}
	return State(state), nil
}

func (s *SQLStore) Lookup(ctx context.Context, nonce string) (Entry, error) {
	var (
		state string
		exp   int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT state, expires_at FROM x402_nonces WHERE nonce = ?`), nonce).Scan(&state, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("guard: lookup: %w", err)
	}
	return Entry{State: State(state), ExpiresAt: fromMillis(exp)}, nil
}

func (s *SQLStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := s.exec(ctx,
		`DELETE FROM x402_nonces WHERE state IN (?, ?) AND expires_at > 0 AND expires_at < ?`,
		string(StateOutstanding), string(StateDead), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("guard: sweep: %w", err)
	}
	return int(n), nil
}
