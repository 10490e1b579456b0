package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/Blessedbiello/402pay-sub001"
	evmchain "github.com/Blessedbiello/402pay-sub001/chain/evm"
)

// Signer pays on EVM networks by submitting a native or ERC-20 transfer and
// waiting for its receipt.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	tokens     []x402.TokenConfig
	priority   int
	maxAmount  *big.Int
	rpcClient  evmchain.RPCClient
	rpcURL     string
	client     *evmchain.Client
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Signer) error

func NewSigner(network string, privateKeyHex string, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewSignerFromKey(network, privateKey, tokens, opts...)
}

func NewSignerFromKey(network string, key *ecdsa.PrivateKey, tokens []x402.TokenConfig, opts ...Option) (*Signer, error) {
	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	if networkType != x402.NetworkTypeEVM {
		return nil, fmt.Errorf("%w: expected EVM network, got %s", x402.ErrInvalidNetwork, network)
	}
	if len(tokens) == 0 {
		return nil, x402.ErrInvalidToken
	}

	s := &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
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
	s.logger = s.logger.With("component", "evm_payer", "network", network)

	return s, nil
}

func WithPriority(priority int) Option {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

func WithRPCClient(client evmchain.RPCClient) Option {
	return func(s *Signer) error {
		s.rpcClient = client
		return nil
	}
}

func WithRPCURL(url string) Option {
	return func(s *Signer) error {
		s.rpcURL = url
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) error {
		s.logger = logger
		return nil
	}
}

func (s *Signer) Network() string {
	return s.network
}

func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

func (s *Signer) CanPay(requirements *x402.PaymentRequirements) bool {
	if requirements == nil || requirements.Scheme != x402.SchemeExact {
		return false
	}
	if requirements.Network != s.network {
		return false
	}
	for _, token := range s.tokens {
		if x402.SameAsset(token.Address, requirements.Asset) {
			return true
		}
	}
	return false
}

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
	if !common.IsHexAddress(requirements.PayTo) {
		return nil, fmt.Errorf("%w: invalid recipient address %q", x402.ErrInvalidRequirements, requirements.PayTo)
	}
	recipient := common.HexToAddress(requirements.PayTo)

	var token common.Address
	if !x402.IsNativeAsset(requirements.Asset) {
		if !common.IsHexAddress(requirements.Asset) {
			return nil, fmt.Errorf("%w: invalid token address %q", x402.ErrInvalidRequirements, requirements.Asset)
		}
		token = common.HexToAddress(requirements.Asset)
	}

	client, err := s.chainClient(ctx)
	if err != nil {
		return nil, err
	}

	balance, err := client.Balance(ctx, s.address, token)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, x402.NewPaymentError(x402.KindInsufficientFunds, "insufficient balance", x402.ErrInsufficientFunds).
			WithDetails("balance", balance.String()).
			WithDetails("required", amount.String())
	}

	unsigned, err := client.BuildTransfer(ctx, s.address, recipient, token, amount)
	if err != nil {
		return nil, err
	}
	tx, err := types.SignTx(unsigned, types.LatestSignerForChainID(client.ChainID()), s.privateKey)
	if err != nil {
		return nil, x402.NewPaymentError(x402.KindPaymentFailed, "failed to sign transaction", err).
			WithCode(x402.ErrCodeSigningFailed)
	}

	hash, err := client.Submit(ctx, tx)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, x402.DefaultTimeouts.SettlementDeadline(requirements))
	defer cancel()
	if err := client.WaitForReceipt(waitCtx, hash); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "payment confirmed", "hash", hash, "amount", amount.String())

	proof := x402.ExactPayload{
		From:      s.address.Hex(),
		To:        recipient.Hex(),
		Amount:    requirements.MaxAmountRequired,
		Timestamp: s.now().UnixMilli(),
		Signature: hash,
	}
	if token != (common.Address{}) {
		proof.Mint = token.Hex()
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
		Payload:     proof,
	}, nil
}

func (s *Signer) chainClient(ctx context.Context) (*evmchain.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	var (
		client *evmchain.Client
		err    error
	)
	if s.rpcClient != nil {
		client, err = evmchain.NewClient(s.network, s.rpcClient, evmchain.WithLogger(s.logger))
	} else {
		client, err = evmchain.Dial(ctx, s.network, s.rpcURL, evmchain.WithLogger(s.logger))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client: %w", err)
	}
	s.client = client
	return client, nil
}

func (s *Signer) GetPriority() int {
	return s.priority
}

func (s *Signer) GetTokens() []x402.TokenConfig {
	return s.tokens
}

func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

func (s *Signer) Address() common.Address {
	return s.address
}
