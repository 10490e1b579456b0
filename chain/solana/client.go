// Package solana implements the chain backend for Solana networks: balance
// queries, transfer construction, submission, confirmation and read-only
// inspection of settled transfers.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
)

// RPCClient is the subset of the Solana JSON-RPC API used by this package.
// *rpc.Client satisfies it.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// DefaultPollInterval is how often confirmation is polled.
const DefaultPollInterval = 500 * time.Millisecond

// Client talks to one Solana network.
type Client struct {
	rpc          RPCClient
	network      string
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCommitment sets the commitment required for a transfer to count as
// confirmed. Defaults to confirmed.
func WithCommitment(c rpc.CommitmentType) ClientOption {
	return func(cl *Client) {
		cl.commitment = c
	}
}

// WithPollInterval sets the confirmation polling interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(cl *Client) {
		cl.pollInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// NewClient creates a Client for network using the given RPC client.
func NewClient(network string, client RPCClient, opts ...ClientOption) (*Client, error) {
	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	if networkType != x402.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: expected Solana network, got %s", x402.ErrInvalidNetwork, network)
	}
	if client == nil {
		return nil, errors.New("solana: nil RPC client")
	}

	c := &Client{
		rpc:          client,
		network:      network,
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "solana", "network", network)
	return c, nil
}

// Dial creates a Client connected to endpoint, or to the network's default
// RPC endpoint when endpoint is empty.
func Dial(network, endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		var err error
		endpoint, err = RPCURL(network)
		if err != nil {
			return nil, err
		}
	}
	return NewClient(network, rpc.New(endpoint), opts...)
}

// RPCURL returns the public RPC endpoint for a Solana network.
func RPCURL(network string) (string, error) {
	switch network {
	case x402.NetworkSolana:
		return rpc.MainNetBeta_RPC, nil
	case x402.NetworkSolanaDevnet:
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("invalid network %s: %w", network, x402.ErrInvalidNetwork)
	}
}

// Network returns the wire network identifier.
func (c *Client) Network() string {
	return c.network
}

// LatestBlockhash returns a recent blockhash for building transactions.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, chain.RPCError("getLatestBlockhash", err)
	}
	if recent == nil || recent.Value == nil {
		return solana.Hash{}, chain.RPCError("getLatestBlockhash", errors.New("empty result"))
	}
	return recent.Value.Blockhash, nil
}

// Balance returns owner's balance of mint in atomic units. The zero mint
// means native lamports. A missing token account has a zero balance.
func (c *Client) Balance(ctx context.Context, owner, mint solana.PublicKey) (*big.Int, error) {
	if mint.IsZero() {
		res, err := c.rpc.GetBalance(ctx, owner, c.commitment)
		if err != nil {
			return nil, chain.RPCError("getBalance", err)
		}
		return new(big.Int).SetUint64(res.Value), nil
	}

	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	res, err := c.rpc.GetTokenAccountBalance(ctx, ata, c.commitment)
	if err != nil {
		if isAccountNotFound(err) {
			return new(big.Int), nil
		}
		return nil, chain.RPCError("getTokenAccountBalance", err)
	}
	if res == nil || res.Value == nil {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(res.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("solana: invalid token amount %q", res.Value.Amount)
	}
	return amount, nil
}

// Submit sends a fully signed transaction and returns its signature.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (string, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		if alreadyProcessed(err) && len(tx.Signatures) > 0 {
			c.logger.DebugContext(ctx, "transaction already processed", "signature", tx.Signatures[0].String())
			return tx.Signatures[0].String(), nil
		}
		return "", submitError(err)
	}
	c.logger.DebugContext(ctx, "submitted transaction", "signature", sig.String())
	return sig.String(), nil
}

// JSON-RPC error codes a node answers with while it cannot serve requests.
const (
	rpcCodeInternal      = -32603
	rpcCodeNodeUnhealthy = -32005
)

// submitError separates rejections of the transaction, such as a failed
// preflight simulation, from transport failures worth retrying.
func submitError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code != rpcCodeInternal && rpcErr.Code != rpcCodeNodeUnhealthy {
		return x402.NewPaymentError(x402.KindTransactionFailed, "solana: submit transaction", err).
			WithCode(x402.ErrCodeSubmitFailed)
	}
	return chain.RPCError("sendTransaction", err)
}

func alreadyProcessed(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr) && strings.Contains(rpcErr.Message, "already been processed")
}

// Status returns the confirmation status of a transaction.
func (c *Client) Status(ctx context.Context, signature string) (chain.Status, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return "", fmt.Errorf("%w: invalid signature %q", chain.ErrNotFound, signature)
	}
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return "", chain.ErrNotFound
		}
		return "", chain.RPCError("getSignatureStatuses", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return "", chain.ErrNotFound
	}
	status := res.Value[0]
	if status.Err != nil {
		return chain.StatusFailed, nil
	}
	if c.reached(status.ConfirmationStatus) {
		return chain.StatusConfirmed, nil
	}
	return chain.StatusPending, nil
}

func (c *Client) reached(s rpc.ConfirmationStatusType) bool {
	switch s {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return c.commitment != rpc.CommitmentFinalized
	default:
		return false
	}
}

// WaitForConfirmation polls until the transaction confirms, fails or ctx is
// done. Transient RPC errors and not-yet-visible transactions keep polling.
func (c *Client) WaitForConfirmation(ctx context.Context, signature string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, signature)
		switch {
		case err == nil && status == chain.StatusConfirmed:
			return nil
		case err == nil && status == chain.StatusFailed:
			return x402.NewPaymentError(x402.KindTransactionFailed, "solana: transaction failed on chain", x402.ErrTransactionFailed).
				WithDetails("signature", signature)
		case err != nil && !errors.Is(err, chain.ErrNotFound) && !x402.IsRetryable(err):
			return err
		case err != nil:
			c.logger.DebugContext(ctx, "confirmation poll", "signature", signature, "error", err)
		}

		select {
		case <-ctx.Done():
			return x402.NewPaymentError(x402.KindTransactionFailed, "solana: transaction not confirmed", ctx.Err()).
				WithCode(x402.ErrCodeUnconfirmed).
				WithRetryable(true).
				WithDetails("signature", signature)
		case <-ticker.C:
		}
	}
}

// GetTransfer implements chain.Inspector. Amounts are derived from the
// balance changes recorded in the transaction metadata.
func (c *Client) GetTransfer(ctx context.Context, signature string, expect chain.Expectation) (*chain.Transfer, error) {
	status, err := c.Status(ctx, signature)
	if err != nil {
		return nil, err
	}
	transfer := &chain.Transfer{
		Signature: signature,
		Network:   c.network,
		Status:    status,
		Asset:     expect.Asset,
	}
	if status == chain.StatusPending {
		return transfer, nil
	}

	sig, _ := solana.SignatureFromBase58(signature)
	maxVersion := uint64(0)
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			// Status is visible before the transaction body at this commitment.
			transfer.Status = chain.StatusPending
			return transfer, nil
		}
		return nil, chain.RPCError("getTransaction", err)
	}
	if res.Meta == nil || res.Transaction == nil {
		return nil, fmt.Errorf("solana: transaction %s has no metadata", signature)
	}
	if res.Meta.Err != nil {
		transfer.Status = chain.StatusFailed
		transfer.Err = fmt.Sprint(res.Meta.Err)
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("solana: decode transaction: %w", err)
	}
	keys := append(solana.PublicKeySlice{}, tx.Message.AccountKeys...)
	keys = append(keys, res.Meta.LoadedAddresses.Writable...)
	keys = append(keys, res.Meta.LoadedAddresses.ReadOnly...)

	if expect.Asset == "" {
		nativeDelta(transfer, res.Meta, keys, expect)
	} else if err := tokenDelta(transfer, res.Meta, keys, expect); err != nil {
		return nil, err
	}
	return transfer, nil
}

func nativeDelta(t *chain.Transfer, meta *rpc.TransactionMeta, keys solana.PublicKeySlice, expect chain.Expectation) {
	t.Amount = new(big.Int)
	best := new(big.Int)
	for i, key := range keys {
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			break
		}
		delta := new(big.Int).Sub(
			new(big.Int).SetUint64(meta.PostBalances[i]),
			new(big.Int).SetUint64(meta.PreBalances[i]),
		)
		if key.String() == expect.To {
			t.To = expect.To
			t.Amount = delta
			continue
		}
		if i == 0 {
			delta.Add(delta, new(big.Int).SetUint64(meta.Fee))
		}
		if delta.Sign() < 0 && delta.CmpAbs(best) > 0 {
			best.Abs(delta)
			t.From = key.String()
		}
	}
}

func tokenDelta(t *chain.Transfer, meta *rpc.TransactionMeta, keys solana.PublicKeySlice, expect chain.Expectation) error {
	mint, err := solana.PublicKeyFromBase58(expect.Asset)
	if err != nil {
		return fmt.Errorf("solana: invalid mint %q: %w", expect.Asset, err)
	}
	var destATA solana.PublicKey
	if to, err := solana.PublicKeyFromBase58(expect.To); err == nil {
		destATA, _ = DeriveAssociatedTokenAddress(to, mint)
	}

	type balance struct {
		owner    string
		pre, pos *big.Int
	}
	byAccount := make(map[uint16]*balance)
	get := func(tb rpc.TokenBalance) *balance {
		b, ok := byAccount[tb.AccountIndex]
		if !ok {
			b = &balance{pre: new(big.Int), pos: new(big.Int)}
			if tb.Owner != nil {
				b.owner = tb.Owner.String()
			} else if int(tb.AccountIndex) < len(keys) && keys[tb.AccountIndex].Equals(destATA) {
				b.owner = expect.To
			}
			byAccount[tb.AccountIndex] = b
		}
		return b
	}
	for _, tb := range meta.PreTokenBalances {
		if tb.Mint.Equals(mint) && tb.UiTokenAmount != nil {
			get(tb).pre.SetString(tb.UiTokenAmount.Amount, 10)
		}
	}
	for _, tb := range meta.PostTokenBalances {
		if tb.Mint.Equals(mint) && tb.UiTokenAmount != nil {
			get(tb).pos.SetString(tb.UiTokenAmount.Amount, 10)
		}
	}

	t.Amount = new(big.Int)
	best := new(big.Int)
	for _, b := range byAccount {
		delta := new(big.Int).Sub(b.pos, b.pre)
		if b.owner == expect.To {
			t.To = expect.To
			t.Amount = delta
			continue
		}
		if delta.Sign() < 0 && delta.CmpAbs(best) > 0 {
			best.Abs(delta)
			t.From = b.owner
		}
	}
	return nil
}

func isAccountNotFound(err error) bool {
	return strings.Contains(err.Error(), "could not find account")
}
