package facilitator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
	"github.com/Blessedbiello/402pay-sub001/chain/chaintest"
	"github.com/Blessedbiello/402pay-sub001/guard"
	"github.com/Blessedbiello/402pay-sub001/ledger"
	"github.com/Blessedbiello/402pay-sub001/settler"
	"github.com/Blessedbiello/402pay-sub001/verifier"
)

func newLocal(t *testing.T) (*Local, *chaintest.Chain) {
	t.Helper()
	devnet := chaintest.New(x402.NetworkSolanaDevnet)
	base := chaintest.New(x402.NetworkBaseSepolia)
	reg := chain.NewRegistry()
	reg.Register(x402.NetworkSolanaDevnet, devnet, devnet)
	reg.Register(x402.NetworkBaseSepolia, base, nil)

	store := guard.NewMemoryStore()
	records := ledger.NewMemoryStore()
	v := verifier.New(reg, verifier.WithGuard(store), verifier.WithLedger(records))
	s := settler.New(store, records, reg, settler.WithPollInterval(time.Millisecond))
	return NewLocal(v, s, reg), devnet
}

func testPayment() (x402.PaymentPayload, x402.PaymentRequirements) {
	req := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkSolanaDevnet,
		MaxAmountRequired: "1000000",
		PayTo:             "Recipient1",
		MaxTimeoutSeconds: 5,
	}.WithNonce("abc123", time.Now().Add(5*time.Minute))
	payload := x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkSolanaDevnet,
		Payload: x402.ExactPayload{
			From:      "Payer1",
			To:        "Recipient1",
			Amount:    "1000000",
			Timestamp: time.Now().UnixMilli(),
			Signature: "sig1",
		},
	}
	return payload, req
}

func TestLocalVerifyThenSettle(t *testing.T) {
	local, devnet := newLocal(t)
	devnet.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)
	payload, req := testPayment()
	ctx := context.Background()

	vr, err := local.Verify(ctx, payload, req)
	require.NoError(t, err)
	assert.True(t, vr.IsValid)

	sr, err := local.Settle(ctx, payload, req)
	require.NoError(t, err)
	assert.True(t, sr.Success)
	assert.Equal(t, "sig1", sr.TxHash)

	vr, err = local.Verify(ctx, payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonReplay, vr.InvalidReason)
}

func TestLocalSupported(t *testing.T) {
	local, _ := newLocal(t)
	resp, err := local.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Kinds, 2)

	assert.Equal(t, x402.NetworkBaseSepolia, resp.Kinds[0].Network)
	assert.Empty(t, resp.Kinds[0].FeePayer)
	assert.Equal(t, x402.NetworkSolanaDevnet, resp.Kinds[1].Network)
	assert.Equal(t, "FeePayer1", resp.Kinds[1].FeePayer)
	assert.Equal(t, x402.SchemeExact, resp.Kinds[1].Scheme)
}

func TestRequestRoundTrip(t *testing.T) {
	payload, req := testPayment()
	r, err := NewRequest(payload, req)
	require.NoError(t, err)
	assert.Equal(t, x402.X402Version, r.X402Version)
	assert.NotEmpty(t, r.PaymentHeader)

	decoded, err := r.Payment()
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = Request{}.Payment()
	assert.ErrorIs(t, err, x402.ErrMalformedHeader)
	_, err = Request{PaymentHeader: "%%%"}.Payment()
	assert.ErrorIs(t, err, x402.ErrMalformedHeader)
}
