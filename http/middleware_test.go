package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
	"github.com/Blessedbiello/402pay-sub001/chain/chaintest"
	"github.com/Blessedbiello/402pay-sub001/encoding"
	"github.com/Blessedbiello/402pay-sub001/facilitator"
	"github.com/Blessedbiello/402pay-sub001/guard"
	"github.com/Blessedbiello/402pay-sub001/issuer"
	"github.com/Blessedbiello/402pay-sub001/ledger"
	"github.com/Blessedbiello/402pay-sub001/settler"
	"github.com/Blessedbiello/402pay-sub001/verifier"
)

type paywallFixture struct {
	config Config
	devnet *chaintest.Chain
}

func newFixture(t *testing.T, opts ...verifier.Option) *paywallFixture {
	t.Helper()
	devnet := chaintest.New(x402.NetworkSolanaDevnet)
	reg := chain.NewRegistry()
	reg.Register(x402.NetworkSolanaDevnet, devnet, devnet)

	store := guard.NewMemoryStore()
	records := ledger.NewMemoryStore()
	v := verifier.New(reg, append([]verifier.Option{verifier.WithGuard(store), verifier.WithLedger(records)}, opts...)...)
	s := settler.New(store, records, reg, settler.WithPollInterval(time.Millisecond))

	return &paywallFixture{
		devnet: devnet,
		config: Config{
			Issuer: issuer.New(store),
			Options: []issuer.PaymentOption{{
				Price: issuer.Price{Amount: "1000000", Network: x402.NetworkSolanaDevnet, MaxTimeoutSeconds: 5},
				PayTo: "Recipient1",
			}},
			Facilitator: facilitator.NewLocal(v, s, reg),
		},
	}
}

func (f *paywallFixture) handler(t *testing.T, next http.Handler) http.Handler {
	t.Helper()
	middleware, err := NewX402Middleware(f.config)
	if err != nil {
		t.Fatalf("NewX402Middleware failed: %v", err)
	}
	return middleware(next)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("premium"))
	})
}

// challenge fetches a 402 body from h.
func challenge(t *testing.T, h http.Handler) x402.PaymentRequired {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}
	var body x402.PaymentRequired
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode 402 body: %v", err)
	}
	return body
}

func paidTestRequest(t *testing.T, req x402.PaymentRequirements, amount string, echo bool) *http.Request {
	t.Helper()
	header, err := encoding.EncodePayment(x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.ExactPayload{
			From:      "Payer1",
			To:        req.PayTo,
			Amount:    amount,
			Timestamp: time.Now().UnixMilli(),
			Signature: "sig1",
		},
	})
	if err != nil {
		t.Fatalf("EncodePayment failed: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/premium", nil)
	r.Header.Set(x402.HeaderPayment, header)
	if echo {
		echoed, err := encoding.EncodeRequirement(req)
		if err != nil {
			t.Fatalf("EncodeRequirement failed: %v", err)
		}
		r.Header.Set(x402.HeaderPaymentRequirements, echoed)
	}
	return r
}

func TestMiddleware_NoPaymentHeader(t *testing.T) {
	f := newFixture(t)
	called := false
	h := f.handler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	body := challenge(t, h)
	if called {
		t.Error("Handler should not be called without payment")
	}
	if body.X402Version != x402.X402Version || len(body.Accepts) != 1 {
		t.Fatalf("Unexpected 402 body: %+v", body)
	}
	req := body.Accepts[0]
	if req.Nonce() == "" {
		t.Error("Expected issued nonce")
	}
	if _, ok := req.ExpiresAt(); !ok {
		t.Error("Expected expiry")
	}
	if req.FeePayer() != "FeePayer1" {
		t.Errorf("Expected fee payer from facilitator, got %q", req.FeePayer())
	}
	if req.Resource != "http://example.com/premium" {
		t.Errorf("Unexpected resource %q", req.Resource)
	}
	if req.Description != "Payment required for /premium" {
		t.Errorf("Unexpected description %q", req.Description)
	}
}

func TestMiddleware_ValidPayment(t *testing.T) {
	f := newFixture(t)
	var payment *x402.VerifyResponse
	h := f.handler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payment = GetPaymentFromContext(r.Context())
		_, _ = w.Write([]byte("premium"))
	}))

	req := challenge(t, h).Accepts[0]
	f.devnet.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1000000", true))

	if rec.Code != http.StatusOK || rec.Body.String() != "premium" {
		t.Fatalf("Expected 200 premium, got %d %q", rec.Code, rec.Body.String())
	}
	if payment == nil || payment.Payer != "Payer1" {
		t.Errorf("Expected verified payment in context, got %+v", payment)
	}
	settlement := helpersParseSettlement(rec)
	if settlement == nil || !settlement.Success || settlement.Transaction != "sig1" {
		t.Errorf("Unexpected settlement header: %+v", settlement)
	}

	// The same proof is refused the second time.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1000000", true))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402 on replay, got %d", rec.Code)
	}
	var body x402.PaymentRequired
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != x402.ReasonReplay {
		t.Errorf("Expected replay error, got %q", body.Error)
	}
}

func TestMiddleware_EmptyHandlerIsSettled(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := challenge(t, h).Accepts[0]
	f.devnet.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1000000", true))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if settlement := helpersParseSettlement(rec); settlement == nil || !settlement.Success {
		t.Errorf("Expected settlement header, got %+v", settlement)
	}
}

func TestMiddleware_ValidPaymentWithoutEcho(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, okHandler())

	req := challenge(t, h).Accepts[0]
	f.devnet.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1000000", false))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_ForgedEcho(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, okHandler())

	forged := challenge(t, h).Accepts[0].WithNonce("forged", time.Now().Add(time.Minute))
	f.devnet.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, forged, "1000000", true))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402 for unknown nonce, got %d", rec.Code)
	}
}

func TestMiddleware_VerifyOnly(t *testing.T) {
	f := newFixture(t)
	f.config.VerifyOnly = true
	h := f.handler(t, okHandler())

	req := challenge(t, h).Accepts[0]
	f.devnet.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1000000", true))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(x402.HeaderPaymentResponse) != "" {
		t.Error("Verify-only mode must not settle")
	}
}

func TestMiddleware_InvalidPayment(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, okHandler())

	req := challenge(t, h).Accepts[0]
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1", true))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d", rec.Code)
	}
	var body x402.PaymentRequired
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error != x402.ReasonAmountMismatch {
		t.Errorf("Expected amount mismatch, got %q", body.Error)
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, okHandler())

	r := httptest.NewRequest(http.MethodGet, "/premium", nil)
	r.Header.Set(x402.HeaderPayment, "%%%not-base64")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestMiddleware_HandlerError_NoSettlement(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	req := challenge(t, h).Accepts[0]
	f.devnet.Confirm("sig1", "Payer1", "Recipient1", "", 1000000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1000000", true))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if rec.Header().Get(x402.HeaderPaymentResponse) != "" {
		t.Error("Handler errors must not be settled")
	}

	// The payment is still spendable after the handler failed.
	ok := f.handler(t, okHandler())
	rec = httptest.NewRecorder()
	ok.ServeHTTP(rec, paidTestRequest(t, req, "1000000", true))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected unsettled payment to be accepted later, got %d", rec.Code)
	}
}

func TestMiddleware_SettlementFails(t *testing.T) {
	f := newFixture(t, verifier.WithCorroboration(false))
	h := f.handler(t, okHandler())

	req := challenge(t, h).Accepts[0]
	f.devnet.Fail("sig1", "Payer1", "Recipient1", "", 1000000)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, paidTestRequest(t, req, "1000000", true))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d", rec.Code)
	}
	settlement := helpersParseSettlement(rec)
	if settlement == nil || settlement.Success || settlement.ErrorReason == "" {
		t.Errorf("Expected failed settlement header, got %+v", settlement)
	}
	var body x402.PaymentRequired
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected a 402 body instead of the handler output: %v", err)
	}
}

func TestNewX402Middleware_InvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.config.Options = nil
	if _, err := NewX402Middleware(f.config); err == nil {
		t.Error("Expected error without payment options")
	}
}

func TestGetPaymentFromContext_NoPayment(t *testing.T) {
	if GetPaymentFromContext(context.Background()) != nil {
		t.Error("Expected nil payment")
	}
}

func helpersParseSettlement(rec *httptest.ResponseRecorder) *x402.SettlementResponse {
	return GetSettlement(&http.Response{Header: rec.Header()})
}
