// Package ledger persists the Transaction records written by the settler.
//
// Records are created pending and move exactly once to confirmed or failed.
// They are never deleted. Nonce and signature are each unique.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is a Transaction's settlement status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("ledger: transaction not found")

	// ErrDuplicate is returned when a record with the same nonce or signature exists.
	ErrDuplicate = errors.New("ledger: duplicate transaction")

	// ErrInvalidTransition is returned when a record is not pending.
	ErrInvalidTransition = errors.New("ledger: transaction is not pending")
)

// Transaction is one settlement attempt.
type Transaction struct {
	ID             string    `json:"id"`
	Nonce          string    `json:"nonce"`
	Signature      string    `json:"signature,omitempty"`
	Payer          string    `json:"payer"`
	Recipient      string    `json:"recipient"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	Network        string    `json:"network"`
	Resource       string    `json:"resource,omitempty"`
	Status         Status    `json:"status"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists transactions.
type Store interface {
	// Create inserts a pending record, assigning ID and timestamps when unset.
	Create(ctx context.Context, tx *Transaction) error

	// Complete moves a pending record to confirmed or failed, recording the
	// signature if it was not known at creation.
	Complete(ctx context.Context, id string, status Status, signature string) error

	GetByNonce(ctx context.Context, nonce string) (*Transaction, error)
	GetBySignature(ctx context.Context, signature string) (*Transaction, error)

	// ListByPayer returns the payer's records, newest first.
	ListByPayer(ctx context.Context, payer string, limit int) ([]Transaction, error)
}

func prepare(tx *Transaction, now time.Time) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = tx.CreatedAt
	tx.Status = StatusPending
}

func checkFinal(status Status) error {
	if status != StatusConfirmed && status != StatusFailed {
		return errors.New("ledger: status must be confirmed or failed")
	}
	return nil
}
