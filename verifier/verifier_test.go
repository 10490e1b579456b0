package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
	"github.com/Blessedbiello/402pay-sub001/chain/chaintest"
	"github.com/Blessedbiello/402pay-sub001/guard"
	"github.com/Blessedbiello/402pay-sub001/ledger"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func clock() time.Time { return testNow }

func scenarioRequirement() *x402.PaymentRequirements {
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkSolanaDevnet,
		MaxAmountRequired: "1000000",
		Asset:             "",
		PayTo:             "Recipient1",
		Resource:          "https://api.example.com/premium",
		MaxTimeoutSeconds: 60,
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
	v       *Verifier
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
	opts = append([]Option{WithGuard(f.guard), WithLedger(f.records), WithClock(clock)}, opts...)
	f.v = New(reg, opts...)
	return f
}

func TestVerifyValidPayment(t *testing.T) {
	f := newFixture()
	resp, err := f.v.Verify(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Empty(t, resp.InvalidReason)
	assert.Equal(t, "Payer1", resp.Payer)
	assert.Equal(t, 1, f.chain.Lookups())
}

func TestVerifyUnderpayment(t *testing.T) {
	f := newFixture()
	payload := scenarioPayload()
	payload.Payload.Amount = "900000"

	resp, err := f.v.Verify(context.Background(), payload, scenarioRequirement())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, x402.ReasonAmountMismatch, resp.InvalidReason)
	assert.Zero(t, f.chain.Lookups())
}

func TestVerifyIsReadOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		resp, err := f.v.Verify(ctx, scenarioPayload(), scenarioRequirement())
		require.NoError(t, err)
		assert.True(t, resp.IsValid)
	}
	state, err := f.guard.State(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, guard.StateAbsent, state)
	_, err = f.records.GetBySignature(ctx, "sig1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCheckOrder(t *testing.T) {
	tests := []struct {
		name    string
		payload func(p *x402.PaymentPayload)
		req     func(r *x402.PaymentRequirements)
		want    string
	}{
		{"valid", nil, nil, ""},
		{"version", func(p *x402.PaymentPayload) { p.X402Version = 2; p.Payload.Amount = "1" }, nil, x402.ReasonUnsupportedVersion},
		{"missing from", func(p *x402.PaymentPayload) { p.Payload.From = "" }, nil, x402.ReasonInvalidPayload},
		{"no proof", func(p *x402.PaymentPayload) { p.Payload.Signature = "" }, nil, x402.ReasonInvalidPayload},
		{"both proofs", func(p *x402.PaymentPayload) { p.Payload.UnsignedTransaction = "AQ==" }, nil, x402.ReasonInvalidPayload},
		{"scheme before network", func(p *x402.PaymentPayload) { p.Scheme = "upto"; p.Network = "base" }, nil, x402.ReasonSchemeMismatch},
		{"network", func(p *x402.PaymentPayload) { p.Network = x402.NetworkSolana }, nil, x402.ReasonNetworkMismatch},
		{"overpayment", func(p *x402.PaymentPayload) { p.Payload.Amount = "1000001" }, nil, x402.ReasonAmountMismatch},
		{"amount before recipient", func(p *x402.PaymentPayload) { p.Payload.Amount = "1"; p.Payload.To = "Other" }, nil, x402.ReasonAmountMismatch},
		{"recipient", func(p *x402.PaymentPayload) { p.Payload.To = "Other" }, nil, x402.ReasonRecipientMismatch},
		{"currency", func(p *x402.PaymentPayload) { p.Payload.Mint = x402.SolanaDevnet.USDCAddress }, nil, x402.ReasonCurrencyMismatch},
		{"native alias", nil, func(r *x402.PaymentRequirements) { r.Asset = x402.NativeAsset }, ""},
		{"expired requirement", nil, func(r *x402.PaymentRequirements) {
			*r = r.WithNonce("abc123", testNow.Add(-time.Millisecond))
		}, x402.ReasonExpired},
		{"proof made after expiry", func(p *x402.PaymentPayload) {
			p.Payload.Timestamp = testNow.Add(301 * time.Second).UnixMilli()
		}, nil, x402.ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, req := scenarioPayload(), scenarioRequirement()
			if tt.payload != nil {
				tt.payload(payload)
			}
			if tt.req != nil {
				tt.req(req)
			}
			assert.Equal(t, tt.want, Check(payload, req, testNow))
		})
	}

	assert.Equal(t, x402.ReasonInvalidPayload, Check(nil, scenarioRequirement(), testNow))
}

func TestVerifyExpiresWithClock(t *testing.T) {
	f := newFixture(WithClock(func() time.Time { return testNow.Add(301 * time.Second) }))
	resp, err := f.v.Verify(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonExpired, resp.InvalidReason)
}

func TestVerifyReplay(t *testing.T) {
	ctx := context.Background()

	for _, state := range []guard.State{guard.StateClaimed, guard.StateConsumed, guard.StateDead} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture()
			ok, _, err := f.guard.Claim(ctx, "abc123", testNow.Add(time.Hour))
			require.NoError(t, err)
			require.True(t, ok)
			if state.Terminal() {
				require.NoError(t, f.guard.Finalize(ctx, "abc123", state))
			}

			resp, err := f.v.Verify(ctx, scenarioPayload(), scenarioRequirement())
			require.NoError(t, err)
			assert.Equal(t, x402.ReasonReplay, resp.InvalidReason)
		})
	}

	t.Run("outstanding is fine", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.guard.Reserve(ctx, "abc123", testNow.Add(time.Hour)))
		resp, err := f.v.Verify(ctx, scenarioPayload(), scenarioRequirement())
		require.NoError(t, err)
		assert.True(t, resp.IsValid)
	})

	t.Run("signature already recorded", func(t *testing.T) {
		f := newFixture()
		require.NoError(t, f.records.Create(ctx, &ledger.Transaction{Nonce: "other", Signature: "sig1"}))
		resp, err := f.v.Verify(ctx, scenarioPayload(), scenarioRequirement())
		require.NoError(t, err)
		assert.Equal(t, x402.ReasonReplay, resp.InvalidReason)
	})
}

func TestVerifyCorroboration(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *chaintest.Chain)
		want  string
	}{
		{"pending", func(c *chaintest.Chain) { c.SetStatus("sig1", chain.StatusPending) }, x402.ReasonNotConfirmed},
		{"failed on chain", func(c *chaintest.Chain) { c.SetStatus("sig1", chain.StatusFailed) }, x402.ReasonInvalidSignature},
		{"paid less", func(c *chaintest.Chain) { c.Confirm("sig1", "Payer1", "Recipient1", "", 999999) }, x402.ReasonAmountMismatch},
		{"paid elsewhere", func(c *chaintest.Chain) { c.Confirm("sig1", "Payer1", "Thief", "", 1000000) }, x402.ReasonRecipientMismatch},
		{"wrong token", func(c *chaintest.Chain) {
			c.Confirm("sig1", "Payer1", "Recipient1", x402.SolanaDevnet.USDCAddress, 1000000)
		}, x402.ReasonCurrencyMismatch},
		{"someone else's transfer", func(c *chaintest.Chain) { c.Confirm("sig1", "Stranger", "Recipient1", "", 1000000) }, x402.ReasonInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f.chain)
			resp, err := f.v.Verify(context.Background(), scenarioPayload(), scenarioRequirement())
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.want, resp.InvalidReason)
		})
	}
}

func TestVerifyUnknownSignature(t *testing.T) {
	f := newFixture()
	payload := scenarioPayload()
	payload.Payload.Signature = "never-sent"
	resp, err := f.v.Verify(context.Background(), payload, scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInvalidSignature, resp.InvalidReason)
}

func TestVerifyChainErrors(t *testing.T) {
	f := newFixture()
	f.chain.FailNext(x402.NewPaymentError(x402.KindNetworkError, "rpc down", errors.New("502")))
	_, err := f.v.Verify(context.Background(), scenarioPayload(), scenarioRequirement())
	require.Error(t, err)
	assert.True(t, x402.IsRetryable(err))
}

func TestVerifyUnsupportedNetwork(t *testing.T) {
	v := New(chain.NewRegistry(), WithClock(clock))
	resp, err := v.Verify(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonUnsupportedNetwork, resp.InvalidReason)
}

func TestVerifyWithoutCorroboration(t *testing.T) {
	f := newFixture(WithCorroboration(false))
	f.chain.SetStatus("sig1", chain.StatusPending)
	resp, err := f.v.Verify(context.Background(), scenarioPayload(), scenarioRequirement())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Zero(t, f.chain.Lookups())
}

func TestVerifyUnsignedTransactionSkipsChain(t *testing.T) {
	f := newFixture()
	payload := scenarioPayload()
	payload.Payload.Signature = ""
	payload.Payload.UnsignedTransaction = "AQIDBA=="

	resp, err := f.v.Verify(context.Background(), payload, scenarioRequirement())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Zero(t, f.chain.Lookups())
}
