// Package evm implements the chain backend for EVM networks using
// go-ethereum: balances, native and ERC-20 transfers, receipts and
// inspection of settled transfers.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
)

// RPCClient is the subset of the Ethereum JSON-RPC API used by this package.
// *ethclient.Client satisfies it.
type RPCClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

var (
	// transferEventTopic is keccak256("Transfer(address,address,uint256)").
	transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	transferSelector  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

	txHashRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// DefaultPollInterval is how often receipts are polled.
const DefaultPollInterval = time.Second

// Client talks to one EVM network.
type Client struct {
	rpc          RPCClient
	network      string
	chainID      *big.Int
	pollInterval time.Duration
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client for network using the given RPC client.
func NewClient(network string, client RPCClient, opts ...ClientOption) (*Client, error) {
	config, err := x402.GetChainConfig(network)
	if err != nil {
		return nil, err
	}
	if config.Type != x402.NetworkTypeEVM {
		return nil, fmt.Errorf("%w: expected EVM network, got %s", x402.ErrInvalidNetwork, network)
	}
	if client == nil {
		return nil, errors.New("evm: nil RPC client")
	}

	c := &Client{
		rpc:          client,
		network:      config.Network,
		chainID:      big.NewInt(config.ChainID),
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "evm", "network", c.network)
	return c, nil
}

// Dial connects to endpoint, or to the network's default RPC endpoint when
// endpoint is empty.
func Dial(ctx context.Context, network, endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		config, err := x402.GetChainConfig(network)
		if err != nil {
			return nil, err
		}
		endpoint = config.DefaultRPC
	}
	ec, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", endpoint, err)
	}
	return NewClient(network, ec, opts...)
}

// Network returns the wire network identifier.
func (c *Client) Network() string {
	return c.network
}

// ChainID returns the EIP-155 chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Balance returns owner's balance of token. The zero address means the
// native currency.
func (c *Client) Balance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		bal, err := c.rpc.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, chain.RPCError("eth_getBalance", err)
		}
		return bal, nil
	}

	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(owner.Bytes(), 32)...)
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, chain.RPCError("balanceOf", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("evm: balanceOf returned %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// TransferCallData encodes an ERC-20 transfer(to, amount) call.
func TransferCallData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// BuildTransfer builds an unsigned EIP-1559 transaction moving amount of
// token (zero address for native) from from to to.
func (c *Client) BuildTransfer(ctx context.Context, from, to, token common.Address, amount *big.Int) (*types.Transaction, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, chain.RPCError("eth_getTransactionCount", err)
	}
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, chain.RPCError("eth_maxPriorityFeePerGas", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, chain.RPCError("eth_getBlockByNumber", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	msg := ethereum.CallMsg{From: from, GasTipCap: tip, GasFeeCap: feeCap}
	txTo, value, data := to, amount, []byte(nil)
	if token != (common.Address{}) {
		txTo, value, data = token, new(big.Int), TransferCallData(to, amount)
	}
	msg.To, msg.Value, msg.Data = &txTo, value, data

	gas, err := c.rpc.EstimateGas(ctx, msg)
	if err != nil {
		return nil, chain.RPCError("eth_estimateGas", err)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &txTo,
		Value:     value,
		Data:      data,
	}), nil
}

// Submit sends a signed transaction and returns its hash.
func (c *Client) Submit(ctx context.Context, tx *types.Transaction) (string, error) {
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		if !alreadyKnown(err) {
			return "", submitError(err)
		}
		c.logger.DebugContext(ctx, "transaction already known", "hash", tx.Hash().Hex())
	}
	c.logger.DebugContext(ctx, "submitted transaction", "hash", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// JSON-RPC error codes providers answer with for throttling or internal
// failures; other node errors reject the transaction itself.
const (
	rpcCodeInternal      = -32603
	rpcCodeLimitExceeded = -32005
)

// submitError separates node rejections, such as a low nonce or an
// underpriced transaction, from transport failures worth retrying.
func submitError(err error) error {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() != rpcCodeInternal && rpcErr.ErrorCode() != rpcCodeLimitExceeded {
		return x402.NewPaymentError(x402.KindTransactionFailed, "evm: submit transaction", err).
			WithCode(x402.ErrCodeSubmitFailed)
	}
	return chain.RPCError("eth_sendRawTransaction", err)
}

// alreadyKnown reports a resubmission of a transaction the node already has.
func alreadyKnown(err error) bool {
	var rpcErr gethrpc.Error
	return errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Error()), "already known")
}

// WaitForReceipt polls until the transaction has a successful receipt, a
// failed receipt, or ctx is done.
func (c *Client) WaitForReceipt(ctx context.Context, hash string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(hash))
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusSuccessful:
			return nil
		case err == nil:
			return x402.NewPaymentError(x402.KindTransactionFailed, "evm: transaction reverted", x402.ErrTransactionFailed).
				WithDetails("hash", hash)
		case !errors.Is(err, ethereum.NotFound):
			c.logger.DebugContext(ctx, "receipt poll", "hash", hash, "error", err)
		}

		select {
		case <-ctx.Done():
			return x402.NewPaymentError(x402.KindTransactionFailed, "evm: transaction not confirmed", ctx.Err()).
				WithCode(x402.ErrCodeUnconfirmed).
				WithRetryable(true).
				WithDetails("hash", hash)
		case <-ticker.C:
		}
	}
}

// GetTransfer implements chain.Inspector. Native transfers are read from the
// transaction itself; ERC-20 transfers from the receipt's Transfer logs.
func (c *Client) GetTransfer(ctx context.Context, signature string, expect chain.Expectation) (*chain.Transfer, error) {
	if !txHashRegex.MatchString(signature) {
		return nil, fmt.Errorf("%w: invalid transaction hash %q", chain.ErrNotFound, signature)
	}
	hash := common.HexToHash(signature)
	transfer := &chain.Transfer{
		Signature: signature,
		Network:   c.network,
		Asset:     expect.Asset,
		Amount:    new(big.Int),
	}

	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return nil, chain.RPCError("eth_getTransactionReceipt", err)
		}
		if _, _, err := c.rpc.TransactionByHash(ctx, hash); err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return nil, chain.ErrNotFound
			}
			return nil, chain.RPCError("eth_getTransactionByHash", err)
		}
		transfer.Status = chain.StatusPending
		return transfer, nil
	}

	transfer.Status = chain.StatusConfirmed
	if receipt.Status != types.ReceiptStatusSuccessful {
		transfer.Status = chain.StatusFailed
		transfer.Err = "execution reverted"
	}

	if expect.Asset == "" {
		tx, _, err := c.rpc.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, chain.RPCError("eth_getTransactionByHash", err)
		}
		if tx.To() != nil {
			transfer.To = tx.To().Hex()
		}
		transfer.Amount = new(big.Int).Set(tx.Value())
		if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
			transfer.From = from.Hex()
		}
		return transfer, nil
	}

	token := common.HexToAddress(expect.Asset)
	for _, l := range receipt.Logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferEventTopic {
			continue
		}
		to := common.BytesToAddress(l.Topics[2].Bytes())
		match := x402.SameAddress(to.Hex(), expect.To)
		if transfer.To != "" && !match {
			continue
		}
		transfer.From = common.BytesToAddress(l.Topics[1].Bytes()).Hex()
		transfer.To = to.Hex()
		transfer.Amount = new(big.Int).SetBytes(l.Data)
		if match {
			break
		}
	}
	return transfer, nil
}
