// Package chaintest provides an in-memory chain for tests and local
// development.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sync"

	"github.com/Blessedbiello/402pay-sub001/chain"
)

// Chain is an in-memory Inspector and Relayer. Transfers are registered with
// Confirm, Pend or Fail; relayed transactions confirm immediately unless
// RelayStatus says otherwise.
type Chain struct {
	mu        sync.Mutex
	network   string
	feePayer  string
	transfers map[string]chain.Transfer
	errs      []error
	lookups   int
	relayed   []string
	relayErrs []error
	relays    int

	// RelayStatus is the status given to relayed transfers.
	RelayStatus chain.Status
}

// New creates an empty chain for network.
func New(network string) *Chain {
	return &Chain{
		network:     network,
		feePayer:    "FeePayer1",
		transfers:   make(map[string]chain.Transfer),
		RelayStatus: chain.StatusConfirmed,
	}
}

// Confirm records a confirmed transfer.
func (c *Chain) Confirm(signature, from, to, asset string, amount int64) {
	c.put(signature, from, to, asset, amount, chain.StatusConfirmed)
}

// Pend records a transfer that has not confirmed yet.
func (c *Chain) Pend(signature, from, to, asset string, amount int64) {
	c.put(signature, from, to, asset, amount, chain.StatusPending)
}

// Fail records a failed transfer.
func (c *Chain) Fail(signature, from, to, asset string, amount int64) {
	c.put(signature, from, to, asset, amount, chain.StatusFailed)
}

// SetStatus changes the status of a known transfer.
func (c *Chain) SetStatus(signature string, status chain.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.transfers[signature]
	t.Status = status
	c.transfers[signature] = t
}

// FailNext makes the next lookups return errs, in order.
func (c *Chain) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

// FailNextRelay makes the next Relay calls return errs, in order.
func (c *Chain) FailNextRelay(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayErrs = append(c.relayErrs, errs...)
}

// RelayAttempts returns how many times Relay was called.
func (c *Chain) RelayAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relays
}

// Lookups returns how many times GetTransfer was called.
func (c *Chain) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// Relayed returns the signatures of relayed transactions.
func (c *Chain) Relayed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.relayed...)
}

func (c *Chain) put(signature, from, to, asset string, amount int64, status chain.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[signature] = chain.Transfer{
		Signature: signature,
		Network:   c.network,
		From:      from,
		To:        to,
		Asset:     asset,
		Amount:    big.NewInt(amount),
		Status:    status,
	}
}

// GetTransfer implements chain.Inspector.
func (c *Chain) GetTransfer(ctx context.Context, signature string, _ chain.Expectation) (*chain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	t, ok := c.transfers[signature]
	if !ok {
		return nil, chain.ErrNotFound
	}
	out := t
	out.Amount = new(big.Int).Set(t.Amount)
	return &out, nil
}

// FeePayer implements chain.Relayer.
func (c *Chain) FeePayer() string {
	return c.feePayer
}

// Relay implements chain.Relayer. The transaction is accepted as moving
// exactly the expected funds; its signature is derived from its bytes.
func (c *Chain) Relay(ctx context.Context, transaction string, expect chain.Expectation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(transaction))
	sig := "relayed-" + hex.EncodeToString(sum[:8])

	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays++
	if len(c.relayErrs) > 0 {
		err := c.relayErrs[0]
		c.relayErrs = c.relayErrs[1:]
		return "", err
	}
	c.transfers[sig] = chain.Transfer{
		Signature: sig,
		Network:   c.network,
		From:      expect.From,
		To:        expect.To,
		Asset:     expect.Asset,
		Amount:    new(big.Int).Set(expect.Amount),
		Status:    c.RelayStatus,
	}
	c.relayed = append(c.relayed, sig)
	return sig, nil
}
