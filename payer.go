package x402

import (
	"context"
	"math/big"
)

// Payer constructs payment proofs for a specific network. Implementations
// handle chain-specific transfer building, signing and submission.
type Payer interface {
	// Network returns the wire network identifier (e.g., "solana-devnet").
	Network() string

	// Scheme returns the payment scheme identifier (e.g., "exact").
	Scheme() string

	// CanPay checks if this payer supports the requirement's network, scheme and asset.
	CanPay(requirements *PaymentRequirements) bool

	// Pay performs the payment and returns the proof to send in X-PAYMENT.
	// It blocks until the transfer is confirmed or, in the gasless flow,
	// until the partially signed transaction is built.
	Pay(ctx context.Context, requirements *PaymentRequirements) (*PaymentPayload, error)

	// GetPriority returns the payer's priority level.
	// Lower numbers indicate higher priority (1 > 2 > 3).
	GetPriority() int

	// GetTokens returns the list of tokens supported by this payer.
	GetTokens() []TokenConfig

	// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
	GetMaxAmount() *big.Int
}
