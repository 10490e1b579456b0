// Package guard tracks the lifecycle of requirement nonces so that each
// payment proof is settled at most once.
//
// A nonce moves outstanding -> claimed -> consumed|dead. Claim is the only
// point of mutual exclusion in settlement and every Store implements it as an
// atomic compare-and-swap against its backing store.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the lifecycle state of a nonce.
type State string

const (
	// StateAbsent means the store has never seen the nonce (or swept it).
	StateAbsent      State = ""
	StateOutstanding State = "outstanding"
	StateClaimed     State = "claimed"
	StateConsumed    State = "consumed"
	StateDead        State = "dead"
)

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateConsumed || s == StateDead
}

var (
	// ErrNonceExists is returned by Reserve when the nonce is already known.
	ErrNonceExists = errors.New("guard: nonce already exists")

	// ErrNotClaimed is returned by Finalize when the nonce is not claimed.
	ErrNotClaimed = errors.New("guard: nonce is not claimed")

	// ErrEmptyNonce rejects empty nonces.
	ErrEmptyNonce = errors.New("guard: empty nonce")

	// ErrInvalidOutcome rejects finalization to a non-terminal state.
	ErrInvalidOutcome = errors.New("guard: outcome must be consumed or dead")
)

// Entry is a nonce's stored state and expiry. An unknown nonce has
// StateAbsent and a zero ExpiresAt.
type Entry struct {
	State     State
	ExpiresAt time.Time
}

// Store is the replay guard's backing store.
type Store interface {
	// Reserve registers a freshly issued nonce as outstanding. A zero
	// expiresAt means the entry is never swept.
	Reserve(ctx context.Context, nonce string, expiresAt time.Time) error

	// Claim atomically moves the nonce from outstanding to claimed. A nonce
	// the store has never seen is claimed directly, recording expiresAt.
	// When the claim is lost, the observed state is returned.
	Claim(ctx context.Context, nonce string, expiresAt time.Time) (bool, State, error)

	// Finalize moves a claimed nonce to consumed or dead.
	Finalize(ctx context.Context, nonce string, outcome State) error

	// State returns the nonce's current state.
	State(ctx context.Context, nonce string) (State, error)

	// Lookup returns the nonce's state with the expiry recorded when it was
	// reserved or first claimed.
	Lookup(ctx context.Context, nonce string) (Entry, error)

	// Sweep deletes outstanding and dead entries whose expiry is before now
	// and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

func checkOutcome(outcome State) error {
	if !outcome.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	return nil
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RunSweeper calls store.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Sweep(ctx, now)
			if err != nil {
				logger.Warn("nonce sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("swept expired nonces", "count", n)
			}
		}
	}
}
