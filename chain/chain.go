// Package chain defines the read-only view of a blockchain used to corroborate
// payment proofs, and the relayer used for gasless payments.
//
// Backends for each virtual machine live in sub-packages and are registered
// by network in a Registry.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

// Status is the confirmation status of an on-chain transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound is returned when the chain has no record of a transaction.
	ErrNotFound = errors.New("chain: transaction not found")

	// ErrUnsupportedNetwork is returned by Registry lookups for unknown networks.
	ErrUnsupportedNetwork = errors.New("chain: unsupported network")

	// ErrNoRelayer is returned when a network has no relayer configured.
	ErrNoRelayer = errors.New("chain: no relayer configured")

	// ErrTransferMismatch is returned by relayers when a transaction does not
	// move the expected funds.
	ErrTransferMismatch = errors.New("chain: transaction does not match expected transfer")
)

// Transfer is the movement of funds a transaction performed, as observed on
// chain.
type Transfer struct {
	Signature string
	Network   string
	From      string
	To        string
	// Asset is the mint or contract; empty for the native asset.
	Asset  string
	Amount *big.Int
	Status Status
	// Err describes the on-chain failure when Status is failed.
	Err string
}

// Expectation is the transfer a payment proof claims to have made.
type Expectation struct {
	From   string
	To     string
	Asset  string
	Amount *big.Int
}

// ExpectationFor builds the expectation for payload paid against req.
func ExpectationFor(payload *x402.PaymentPayload, req *x402.PaymentRequirements) (Expectation, error) {
	amount, err := x402.ParseAtomicAmount(req.MaxAmountRequired)
	if err != nil {
		return Expectation{}, err
	}
	asset := req.Asset
	if x402.IsNativeAsset(asset) {
		asset = ""
	}
	return Expectation{
		From:   payload.Payload.From,
		To:     req.PayTo,
		Asset:  asset,
		Amount: amount,
	}, nil
}

// Inspector reads transfers from a chain.
type Inspector interface {
	// GetTransfer returns the transfer made by the transaction identified by
	// signature. When the transaction moves funds to several accounts, the
	// one matching expect.To and expect.Asset is returned. ErrNotFound is
	// returned for unknown transactions.
	GetTransfer(ctx context.Context, signature string, expect Expectation) (*Transfer, error)
}

// Relayer co-signs and submits transactions the payer built with the
// facilitator as fee payer.
type Relayer interface {
	// FeePayer returns the address that pays network fees.
	FeePayer() string

	// Relay validates that the partially signed transaction moves exactly the
	// expected funds, adds the fee payer signature and submits it. It returns
	// the transaction signature.
	Relay(ctx context.Context, transaction string, expect Expectation) (string, error)
}

// MismatchReason compares an observed transfer with an expectation and
// returns the reason string for the first difference, or "" when they agree.
// A different sender is reported as an invalid signature.
func MismatchReason(t *Transfer, expect Expectation) string {
	switch {
	case t.Amount == nil || expect.Amount == nil || t.Amount.Cmp(expect.Amount) != 0:
		return x402.ReasonAmountMismatch
	case !x402.SameAddress(t.To, expect.To):
		return x402.ReasonRecipientMismatch
	case !x402.SameAsset(t.Asset, expect.Asset):
		return x402.ReasonCurrencyMismatch
	case expect.From != "" && t.From != "" && !x402.SameAddress(t.From, expect.From):
		return x402.ReasonInvalidSignature
	}
	return ""
}

// RPCError classifies a failed RPC call. Context errors pass through so that
// cancellation and deadlines keep their meaning; anything else is a
// retryable network error.
func RPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotFound) {
		return err
	}
	return x402.NewPaymentError(x402.KindNetworkError, fmt.Sprintf("chain: %s", op), err).
		WithCode(x402.ErrCodeNetworkError)
}

type backend struct {
	inspector Inspector
	relayer   Relayer
}

// Registry maps networks to their backends. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backend
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]backend)}
}

// Register installs the inspector and optional relayer for network,
// replacing any previous registration.
func (r *Registry) Register(network string, inspector Inspector, relayer Relayer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[network] = backend{inspector: inspector, relayer: relayer}
}

// Inspector returns the inspector for network.
func (r *Registry) Inspector(network string) (Inspector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[network]
	if !ok || b.inspector == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return b.inspector, nil
}

// Relayer returns the relayer for network.
func (r *Registry) Relayer(network string) (Relayer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	if b.relayer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRelayer, network)
	}
	return b.relayer, nil
}

// Networks returns the registered networks in sorted order.
func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for n := range r.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Supported describes the registered networks as facilitator kinds.
func (r *Registry) Supported() []x402.SupportedKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]x402.SupportedKind, 0, len(r.backends))
	for n, b := range r.backends {
		kind := x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     n,
		}
		if b.relayer != nil {
			kind.FeePayer = b.relayer.FeePayer()
		}
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Network < kinds[j].Network })
	return kinds
}
