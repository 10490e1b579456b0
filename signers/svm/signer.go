// Package svm provides a Solana payer for x402 payments.
//
// In the direct flow the payer builds, signs and submits the transfer itself
// and waits for confirmation before returning the signature. When relaying is
// enabled and the requirement advertises a fee payer, the payer instead
// returns a transaction partially signed by the payer with the facilitator
// as fee payer; nothing is submitted by the client.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/Blessedbiello/402pay-sub001"
	solchain "github.com/Blessedbiello/402pay-sub001/chain/solana"
)

// Signer implements x402.Payer for Solana (SVM).
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
	rpcClient  solchain.RPCClient
	rpcURL     string
	client     *solchain.Client
	relay      bool
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Signer.
type Option func(*Signer) error

// NewSigner creates a new Solana signer from a base58-encoded private key.
func NewSigner(network string, privateKeyBase58 string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}

	return NewSignerFromKey(network, privateKey, tokens, opts...)
}

// NewSignerFromKey creates a new Solana signer from an existing private key.
func NewSignerFromKey(network string, key solana.PrivateKey, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	if networkType != x402.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: expected Solana network, got %s", x402.ErrInvalidNetwork, network)
	}

	if len(tokens) == 0 {
		return nil, x402.ErrInvalidToken
	}
	for _, token := range tokens {
		if token.Decimals < 0 || token.Decimals > 255 {
			return nil, fmt.Errorf("%w: invalid token decimals %d", x402.ErrInvalidToken, token.Decimals)
		}
	}

	s := &Signer{
		privateKey: key,
		publicKey:  key.PublicKey(),
		network:    network,
		tokens:     tokens,
		now:        time.Now,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "svm_payer", "network", network)

	return s, nil
}

// NewSignerFromKeygenFile creates a new Solana signer from a Solana keygen JSON file.
// The file should contain a JSON array of 64 bytes (the ed25519 private key).
func NewSignerFromKeygenFile(network string, path string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKey)
	}

	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", x402.ErrInvalidKey)
	}

	return NewSignerFromKey(network, solana.PrivateKey(keyBytes), tokens, opts...)
}

// WithMaxAmount sets the maximum amount per payment call.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

// WithPriority sets the signer priority.
func WithPriority(priority int) Option {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithRPCClient sets a custom RPC client.
func WithRPCClient(client solchain.RPCClient) Option {
	return func(s *Signer) error {
		s.rpcClient = client
		return nil
	}
}

// WithRPCURL sets the RPC endpoint used when no client is given.
func WithRPCURL(url string) Option {
	return func(s *Signer) error {
		s.rpcURL = url
		return nil
	}
}

// WithRelay lets the facilitator pay fees and submit the transfer whenever a
// requirement advertises a fee payer.
func WithRelay(enabled bool) Option {
	return func(s *Signer) error {
		s.relay = enabled
		return nil
	}
}

// WithClock overrides the time source used for payload timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) error {
		s.logger = logger
		return nil
	}
}

// Network returns the wire network identifier.
func (s *Signer) Network() string {
	return s.network
}

// Scheme returns the payment scheme identifier.
func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

// CanPay checks if this signer can satisfy the given payment requirements.
func (s *Signer) CanPay(requirements *x402.PaymentRequirements) bool {
	if requirements == nil {
		return false
	}
	if requirements.Scheme != x402.SchemeExact {
		return false
	}
	if requirements.Network != s.network {
		return false
	}
	_, ok := s.token(requirements.Asset)
	return ok
}

// token finds the configured token for asset. Solana mints are case-sensitive.
func (s *Signer) token(asset string) (x402.TokenConfig, bool) {
	for _, token := range s.tokens {
		if x402.SameAsset(token.Address, asset) {
			return token, true
		}
	}
	return x402.TokenConfig{}, false
}

// Pay creates a payment proof for the given requirements.
func (s *Signer) Pay(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if !s.CanPay(requirements) {
		return nil, x402.ErrNoValidPayer
	}

	amount, err := x402.ParseAtomicAmount(requirements.MaxAmountRequired)
	if err != nil {
		return nil, err
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.NewPaymentError(x402.KindAmountMismatch, "payment amount exceeds per-call limit", x402.ErrAmountExceeded).
			WithCode(x402.ErrCodeAmountExceeded)
	}
	if !amount.IsUint64() {
		return nil, x402.ErrAmountExceeded
	}

	recipient, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient address: %v", x402.ErrInvalidRequirements, err)
	}

	token, _ := s.token(requirements.Asset)
	var mint solana.PublicKey
	if !x402.IsNativeAsset(requirements.Asset) {
		mint, err = solana.PublicKeyFromBase58(requirements.Asset)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid mint address: %v", x402.ErrInvalidRequirements, err)
		}
	}

	client, err := s.chainClient()
	if err != nil {
		return nil, err
	}

	params := solchain.TransferParams{
		Owner:     s.publicKey,
		Recipient: recipient,
		FeePayer:  s.publicKey,
		Mint:      mint,
		Decimals:  uint8(token.Decimals),
		Amount:    amount.Uint64(),
	}

	proof := x402.ExactPayload{
		From:   s.publicKey.String(),
		To:     requirements.PayTo,
		Amount: requirements.MaxAmountRequired,
	}
	if !mint.IsZero() {
		proof.Mint = requirements.Asset
	}

	if feePayerStr := requirements.FeePayer(); s.relay && feePayerStr != "" {
		feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid feePayer address: %v", x402.ErrInvalidRequirements, err)
		}
		params.FeePayer = feePayer
		tx, err := s.buildAndSign(ctx, client, params)
		if err != nil {
			return nil, err
		}
		txBytes, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transaction: %w", err)
		}
		proof.UnsignedTransaction = base64.StdEncoding.EncodeToString(txBytes)
	} else {
		sig, err := s.payDirect(ctx, client, requirements, amount, params)
		if err != nil {
			return nil, err
		}
		proof.Signature = sig
	}

	proof.Timestamp = s.now().UnixMilli()
	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
		Payload:     proof,
	}, nil
}

func (s *Signer) payDirect(ctx context.Context, client *solchain.Client, req *x402.PaymentRequirements, amount *big.Int, params solchain.TransferParams) (string, error) {
	balance, err := client.Balance(ctx, s.publicKey, params.Mint)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", x402.NewPaymentError(x402.KindInsufficientFunds, "insufficient balance", x402.ErrInsufficientFunds).
			WithDetails("balance", balance.String()).
			WithDetails("required", amount.String())
	}

	tx, err := s.buildAndSign(ctx, client, params)
	if err != nil {
		return "", err
	}
	sig, err := client.Submit(ctx, tx)
	if err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, x402.DefaultTimeouts.SettlementDeadline(req))
	defer cancel()
	if err := client.WaitForConfirmation(waitCtx, sig); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "payment confirmed", "signature", sig, "amount", amount.String())
	return sig, nil
}

// buildAndSign builds the transfer and signs it with the payer key only. The
// fee payer signature stays empty when the fee payer is someone else.
func (s *Signer) buildAndSign(ctx context.Context, client *solchain.Client, params solchain.TransferParams) (*solana.Transaction, error) {
	recent, err := client.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	instructions, err := solchain.BuildTransferInstructions(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, recent, solana.TransactionPayer(params.FeePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, x402.NewPaymentError(x402.KindPaymentFailed, "failed to sign transaction", err).
			WithCode(x402.ErrCodeSigningFailed)
	}
	return tx, nil
}

func (s *Signer) chainClient() (*solchain.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	var (
		client *solchain.Client
		err    error
	)
	if s.rpcClient != nil {
		client, err = solchain.NewClient(s.network, s.rpcClient, solchain.WithLogger(s.logger))
	} else {
		client, err = solchain.Dial(s.network, s.rpcURL, solchain.WithLogger(s.logger))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}
	s.client = client
	return client, nil
}

// GetPriority returns the signer's priority level.
func (s *Signer) GetPriority() int {
	return s.priority
}

// GetTokens returns the list of tokens supported by this signer.
func (s *Signer) GetTokens() []x402.TokenConfig {
	return s.tokens
}

// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's public key.
func (s *Signer) Address() solana.PublicKey {
	return s.publicKey
}
