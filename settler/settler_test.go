package settler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
	"github.com/Blessedbiello/402pay-sub001/chain/chaintest"
	"github.com/Blessedbiello/402pay-sub001/guard"
	"github.com/Blessedbiello/402pay-sub001/ledger"
	"github.com/Blessedbiello/402pay-sub001/retry"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func scenarioRequirement() *x402.PaymentRequirements {
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkSolanaDevnet,
		MaxAmountRequired: "1000000",
		PayTo:             "Recipient1",
		Resource:          "https://api.example.com/premium",
		MaxTimeoutSeconds: 5,
	}.WithNonce("abc123", testNow.Add(300*time.Second))
	return &req
}

func scenarioPayload() *x402.PaymentPayload {
	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkSolanaDevnet,
		Payload: x402.ExactPayload{
			From:      "Payer1",
			To:        "Recipient1",
			Amount:    "1000000",
			Timestamp: testNow.UnixMilli(),
			Signature: "sig1",
		},
	}
}

type fixture struct {
	chain   *chaintest.Chain
	guard   *guard.MemoryStore
	records *ledger.MemoryStore
	s       *Settler
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		chain:   chaintest.New(x402.NetworkSolanaDevnet),
		guard:   guard.NewMemoryStore(),
		records: ledger.NewMemoryStore(),
	}
	f.chain.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)

	reg := chain.NewRegistry()
	reg.Register(x402.NetworkSolanaDevnet, f.chain, f.chain)
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithPollInterval(2 * time.Millisecond),
		WithRetry(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}),
	}, opts...)
	f.s = New(f.guard, f.records, reg, opts...)
	return f
}

func (f *fixture) state(t *testing.T, nonce string) guard.State {
	t.Helper()
	state, err := f.guard.State(context.Background(), nonce)
	require.NoError(t, err)
	return state
}

func TestSettleTwice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.s.Settle(ctx, scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, "sig1", first.TxHash)
	assert.Equal(t, x402.NetworkSolanaDevnet, first.NetworkID)
	assert.Equal(t, "Payer1", first.Payer)

	second, err := f.s.Settle(ctx, scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, x402.ReasonAlreadySettled, second.Error)
	assert.Equal(t, "sig1", second.TxHash)

	assert.Equal(t, guard.StateConsumed, f.state(t, "abc123"))
	records, err := f.records.ListByPayer(ctx, "Payer1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.StatusConfirmed, records[0].Status)
	assert.Equal(t, "abc123", records[0].Nonce)
	assert.Equal(t, "Recipient1", records[0].Recipient)
}

func TestSettleConcurrent(t *testing.T) {
	f := newFixture()
	const n = 16

	var wg sync.WaitGroup
	results := make([]*x402.SettleResponse, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.s.Settle(context.Background(), scenarioPayload(), scenarioRequirement())
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Success {
			successes++
			continue
		}
		assert.Equal(t, x402.ReasonAlreadySettled, r.Error)
	}
	assert.Equal(t, 1, successes)

	records, err := f.records.ListByPayer(context.Background(), "Payer1", 100)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSettleStaticFailureLeavesNonceUntouched(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.guard.Reserve(context.Background(), "abc123", testNow.Add(time.Hour)))

	payload := scenarioPayload()
	payload.Payload.Amount = "900000"
	resp, err := f.s.Settle(context.Background(), payload, scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonAmountMismatch, resp.Error)
	assert.Equal(t, guard.StateOutstanding, f.state(t, "abc123"))
	assert.Zero(t, f.chain.Lookups())
}

func TestSettleDeadNonceIsReplay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _, err := f.guard.Claim(ctx, "abc123", time.Time{})
	require.NoError(t, err)
	require.NoError(t, f.guard.Finalize(ctx, "abc123", guard.StateDead))

	resp, err := f.s.Settle(ctx, scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonReplay, resp.Error)
}

func TestSettleSignatureReusedForAnotherNonce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first, err := f.s.Settle(ctx, scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	require.True(t, first.Success)

	other := scenarioRequirement()
	*other = other.WithNonce("def456", testNow.Add(time.Minute))
	resp, err := f.s.Settle(ctx, scenarioPayload(), other)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonReplay, resp.Error)
	assert.Equal(t, guard.StateDead, f.state(t, "def456"))
}

func TestSettleMismatchIsFatal(t *testing.T) {
	f := newFixture()
	f.chain.Confirm("sig1", "Payer1", "Thief", "", 1000000)

	resp, err := f.s.Settle(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ReasonRecipientMismatch, resp.Error)
	assert.Equal(t, guard.StateDead, f.state(t, "abc123"))

	tx, err := f.records.GetByNonce(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
}

func TestSettleFailedOnChain(t *testing.T) {
	f := newFixture()
	f.chain.SetStatus("sig1", chain.StatusFailed)

	resp, err := f.s.Settle(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonSettlementFailed, resp.Error)
	assert.Equal(t, guard.StateDead, f.state(t, "abc123"))
}

func TestSettleWaitsForConfirmation(t *testing.T) {
	f := newFixture()
	f.chain.SetStatus("sig1", chain.StatusPending)
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.chain.SetStatus("sig1", chain.StatusConfirmed)
	}()

	resp, err := f.s.Settle(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Greater(t, f.chain.Lookups(), 1)
}

func TestSettleRetriesTransientErrors(t *testing.T) {
	f := newFixture()
	netErr := x402.NewPaymentError(x402.KindNetworkError, "rpc", errors.New("502"))
	f.chain.FailNext(netErr, netErr, netErr, netErr)

	resp, err := f.s.Settle(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 5, f.chain.Lookups())
}

func TestSettleTimeout(t *testing.T) {
	f := newFixture(WithTimeouts(x402.DefaultTimeouts.WithSettleTimeout(30 * time.Millisecond)))
	f.chain.SetStatus("sig1", chain.StatusPending)
	req := scenarioRequirement()
	req.MaxTimeoutSeconds = 0

	resp, err := f.s.Settle(context.Background(), scenarioPayload(), req)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ReasonSettlementFailed, resp.Error)
	assert.Equal(t, guard.StateDead, f.state(t, "abc123"))
}

func TestSettleCancelledMarksNonceDead(t *testing.T) {
	f := newFixture()
	f.chain.SetStatus("sig1", chain.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := f.s.Settle(ctx, scenarioPayload(), scenarioRequirement())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, guard.StateDead, f.state(t, "abc123"))

	tx, err := f.records.GetByNonce(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)
}

func TestSettleRelayed(t *testing.T) {
	f := newFixture()
	payload := scenarioPayload()
	payload.Payload.Signature = ""
	payload.Payload.UnsignedTransaction = "AQIDBA=="

	resp, err := f.s.Settle(context.Background(), payload, scenarioRequirement())
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	require.Len(t, f.chain.Relayed(), 1)
	assert.Equal(t, f.chain.Relayed()[0], resp.TxHash)

	tx, err := f.records.GetBySignature(context.Background(), resp.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, tx.Status)
	assert.Equal(t, "abc123", tx.Nonce)
}

func relayedPayload() *x402.PaymentPayload {
	payload := scenarioPayload()
	payload.Payload.Signature = ""
	payload.Payload.UnsignedTransaction = "AQIDBA=="
	return payload
}

func TestSettleRelayRetriesTransientSubmitErrors(t *testing.T) {
	f := newFixture()
	f.chain.FailNextRelay(chain.RPCError("sendTransaction", errors.New("connection refused")))

	resp, err := f.s.Settle(context.Background(), relayedPayload(), scenarioRequirement())
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 2, f.chain.RelayAttempts())
	assert.Equal(t, guard.StateConsumed, f.state(t, "abc123"))
}

func TestSettleRelayRejectionIsNotRetried(t *testing.T) {
	f := newFixture()
	f.chain.FailNextRelay(x402.NewPaymentError(x402.KindTransactionFailed, "preflight", errors.New("simulation failed")))

	resp, err := f.s.Settle(context.Background(), relayedPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ReasonSettlementFailed, resp.Error)
	assert.Equal(t, 1, f.chain.RelayAttempts())
	assert.Equal(t, guard.StateDead, f.state(t, "abc123"))
}

func TestSettleForeignRequirement(t *testing.T) {
	f := newFixture()
	req := scenarioRequirement()
	req.Extra = nil

	resp, err := f.s.Settle(context.Background(), scenarioPayload(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, guard.StateConsumed, f.state(t, "sig:sig1"))

	again, err := f.s.Settle(context.Background(), scenarioPayload(), req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonAlreadySettled, again.Error)
}

func TestSettleUnsupportedNetwork(t *testing.T) {
	f := newFixture()
	f.s.chains = chain.NewRegistry()

	resp, err := f.s.Settle(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonUnsupportedNetwork, resp.Error)
	assert.Equal(t, guard.StateAbsent, f.state(t, "abc123"))
}

func TestSettleNilInput(t *testing.T) {
	f := newFixture()
	resp, err := f.s.Settle(context.Background(), nil, scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInvalidPayload, resp.Error)
}
