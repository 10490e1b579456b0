package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
)

type mockRPCClient struct {
	balance    *big.Int
	callOut    []byte
	calls      []ethereum.CallMsg
	sent       []*types.Transaction
	txs        map[common.Hash]*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
	sendErr    error
}

func newMockRPCClient() *mockRPCClient {
	return &mockRPCClient{
		balance:  big.NewInt(0),
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (m *mockRPCClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return m.balance, nil
}

func (m *mockRPCClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.calls = append(m.calls, msg)
	return m.callOut, nil
}

func (m *mockRPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (m *mockRPCClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockRPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(2_000_000_000)}, nil
}

func (m *mockRPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if len(msg.Data) > 0 {
		return 65_000, nil
	}
	return 21_000, nil
}

func (m *mockRPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	m.txs[tx.Hash()] = tx
	return nil
}

func (m *mockRPCClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := m.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := m.receipts[hash]
	return tx, !mined, nil
}

func (m *mockRPCClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	r, ok := m.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newClient(t *testing.T, m *mockRPCClient) *Client {
	t.Helper()
	c, err := NewClient(x402.NetworkBaseSepolia, m, WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	return c
}

func signedTx(t *testing.T, c *Client, key *ecdsa.PrivateKey, tx *types.Transaction) *types.Transaction {
	t.Helper()
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.ChainID()), key)
	require.NoError(t, err)
	return signed
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(x402.NetworkSolanaDevnet, newMockRPCClient())
	assert.ErrorIs(t, err, x402.ErrInvalidNetwork)

	c, err := NewClient("eip155:84532", newMockRPCClient())
	require.NoError(t, err)
	assert.Equal(t, x402.NetworkBaseSepolia, c.Network())
	assert.Equal(t, int64(84532), c.ChainID().Int64())
}

func TestBalance(t *testing.T) {
	m := newMockRPCClient()
	m.balance = big.NewInt(42)
	m.callOut = common.LeftPadBytes(big.NewInt(1500000).Bytes(), 32)
	c := newClient(t, m)
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")

	bal, err := c.Balance(context.Background(), owner, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Int64())

	usdc := common.HexToAddress(x402.BaseSepolia.USDCAddress)
	bal, err = c.Balance(context.Background(), owner, usdc)
	require.NoError(t, err)
	assert.Equal(t, int64(1500000), bal.Int64())
	require.Len(t, m.calls, 1)
	assert.Equal(t, usdc, *m.calls[0].To)
	assert.Equal(t, balanceOfSelector, m.calls[0].Data[:4])
	assert.Equal(t, owner.Bytes(), m.calls[0].Data[16:36])
}

func TestBuildTransfer(t *testing.T) {
	m := newMockRPCClient()
	c := newClient(t, m)
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdc := common.HexToAddress(x402.BaseSepolia.USDCAddress)

	native, err := c.BuildTransfer(context.Background(), from, to, common.Address{}, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, to, *native.To())
	assert.Equal(t, int64(1000), native.Value().Int64())
	assert.Equal(t, uint64(21_000), native.Gas())
	assert.Equal(t, uint64(7), native.Nonce())
	assert.Equal(t, int64(5_000_000_000), native.GasFeeCap().Int64())

	token, err := c.BuildTransfer(context.Background(), from, to, usdc, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, usdc, *token.To())
	assert.Zero(t, token.Value().Sign())
	assert.Equal(t, TransferCallData(to, big.NewInt(1000)), token.Data())
	assert.Len(t, token.Data(), 68)
}

func TestGetTransferNative(t *testing.T) {
	m := newMockRPCClient()
	c := newClient(t, m)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	unsigned, err := c.BuildTransfer(context.Background(), from, to, common.Address{}, big.NewInt(1000))
	require.NoError(t, err)
	tx := signedTx(t, c, key, unsigned)
	hash, err := c.Submit(context.Background(), tx)
	require.NoError(t, err)

	expect := chain.Expectation{From: from.Hex(), To: to.Hex(), Amount: big.NewInt(1000)}

	got, err := c.GetTransfer(context.Background(), hash, expect)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusPending, got.Status)

	m.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	got, err = c.GetTransfer(context.Background(), hash, expect)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusConfirmed, got.Status)
	assert.Equal(t, from.Hex(), got.From)
	assert.Empty(t, chain.MismatchReason(got, expect))

	m.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}
	got, err = c.GetTransfer(context.Background(), hash, expect)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusFailed, got.Status)
}

func TestGetTransferToken(t *testing.T) {
	m := newMockRPCClient()
	c := newClient(t, m)
	usdc := common.HexToAddress(x402.BaseSepolia.USDCAddress)
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	hash := common.HexToHash("0xabc0000000000000000000000000000000000000000000000000000000000001")

	transferLog := func(token, dst common.Address, amount int64) *types.Log {
		return &types.Log{
			Address: token,
			Topics: []common.Hash{
				transferEventTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(dst.Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		}
	}
	m.receipts[hash] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			transferLog(common.HexToAddress("0x4444444444444444444444444444444444444444"), to, 999),
			transferLog(usdc, other, 5),
			transferLog(usdc, to, 1000000),
		},
	}

	expect := chain.Expectation{To: to.Hex(), Asset: usdc.Hex(), Amount: big.NewInt(1000000)}
	got, err := c.GetTransfer(context.Background(), hash.Hex(), expect)
	require.NoError(t, err)
	assert.Equal(t, chain.StatusConfirmed, got.Status)
	assert.Equal(t, int64(1000000), got.Amount.Int64())
	assert.Equal(t, from.Hex(), got.From)
	assert.Empty(t, chain.MismatchReason(got, expect))

	expect.To = "0x5555555555555555555555555555555555555555"
	expect.Amount = big.NewInt(5)
	got, err = c.GetTransfer(context.Background(), hash.Hex(), expect)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonRecipientMismatch, chain.MismatchReason(got, expect))
}

func TestGetTransferErrors(t *testing.T) {
	m := newMockRPCClient()
	c := newClient(t, m)

	_, err := c.GetTransfer(context.Background(), "abc123", chain.Expectation{})
	assert.ErrorIs(t, err, chain.ErrNotFound)

	unknown := common.HexToHash("0x01").Hex()
	_, err = c.GetTransfer(context.Background(), unknown, chain.Expectation{})
	assert.ErrorIs(t, err, chain.ErrNotFound)

	m.receiptErr = errors.New("upstream 502")
	_, err = c.GetTransfer(context.Background(), unknown, chain.Expectation{})
	assert.Equal(t, x402.KindNetworkError, x402.KindOf(err))
}

func TestWaitForReceipt(t *testing.T) {
	m := newMockRPCClient()
	c := newClient(t, m)
	hash := common.HexToHash("0x02")

	m.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	assert.NoError(t, c.WaitForReceipt(context.Background(), hash.Hex()))

	m.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed}
	err := c.WaitForReceipt(context.Background(), hash.Hex())
	assert.Equal(t, x402.KindTransactionFailed, x402.KindOf(err))
	assert.False(t, x402.IsRetryable(err))

	delete(m.receipts, hash)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = c.WaitForReceipt(ctx, hash.Hex())
	assert.True(t, x402.IsRetryable(err))
}

// nodeError is a JSON-RPC error answered by the node.
type nodeError struct {
	code int
	msg  string
}

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return e.code }

func TestSubmitErrors(t *testing.T) {
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 21_000, GasPrice: big.NewInt(1)})

	tests := []struct {
		name      string
		err       error
		kind      x402.Kind
		retryable bool
	}{
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), x402.KindNetworkError, true},
		{"bad gateway", gethrpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}, x402.KindNetworkError, true},
		{"rate limited", nodeError{code: -32005, msg: "limit exceeded"}, x402.KindNetworkError, true},
		{"nonce too low", nodeError{code: -32000, msg: "nonce too low"}, x402.KindTransactionFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockRPCClient()
			m.sendErr = tt.err
			_, err := newClient(t, m).Submit(context.Background(), tx)
			require.Error(t, err)
			assert.Equal(t, tt.kind, x402.KindOf(err))
			assert.Equal(t, tt.retryable, x402.IsRetryable(err))
		})
	}

	t.Run("already known", func(t *testing.T) {
		m := newMockRPCClient()
		m.sendErr = nodeError{code: -32000, msg: "already known"}
		hash, err := newClient(t, m).Submit(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, tx.Hash().Hex(), hash)
	})
}
