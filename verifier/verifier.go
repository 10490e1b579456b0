// Package verifier checks payment proofs against the requirement they answer.
//
// Verification is read-only: it never claims a nonce or writes a record.
// Checks run in a fixed order and the first failure is reported as one of
// the x402.Reason* strings. Errors are reserved for conditions that prevent
// a verdict, such as an unavailable replay guard.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
	"github.com/Blessedbiello/402pay-sub001/guard"
	"github.com/Blessedbiello/402pay-sub001/internal/telemetry"
	"github.com/Blessedbiello/402pay-sub001/ledger"
	"github.com/Blessedbiello/402pay-sub001/validation"
)

// Verifier validates payment proofs.
type Verifier struct {
	chains      *chain.Registry
	guard       guard.Store
	records     ledger.Store
	corroborate bool
	now         func() time.Time
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithGuard consults store for nonces that were already claimed.
func WithGuard(store guard.Store) Option {
	return func(v *Verifier) {
		v.guard = store
	}
}

// WithLedger consults records for signatures that were already settled.
func WithLedger(records ledger.Store) Option {
	return func(v *Verifier) {
		v.records = records
	}
}

// WithCorroboration enables or disables the on-chain lookup of signed
// proofs. It is enabled by default.
func WithCorroboration(enabled bool) Option {
	return func(v *Verifier) {
		v.corroborate = enabled
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// New creates a Verifier. chains may be nil when corroboration is disabled.
func New(chains *chain.Registry, opts ...Option) *Verifier {
	v := &Verifier{
		chains:      chains,
		corroborate: true,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.metrics == nil {
		v.metrics = telemetry.Default()
	}
	v.logger = v.logger.With("component", "verifier")
	return v
}

// Verify checks payload against req.
func (v *Verifier) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "x402.verify", trace.WithAttributes(
		attribute.String("x402.network", networkOf(req)),
	))
	defer span.End()

	reason, err := v.verify(ctx, payload, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	v.metrics.RecordVerification(ctx, networkOf(req), reason)
	span.SetAttributes(attribute.Bool("x402.valid", reason == ""), attribute.String("x402.reason", reason))

	resp := &x402.VerifyResponse{IsValid: reason == "", InvalidReason: reason}
	if payload != nil {
		resp.Payer = payload.Payload.From
	}
	if reason != "" {
		v.logger.InfoContext(ctx, "payment rejected", "reason", reason, "network", networkOf(req), "payer", resp.Payer)
	}
	return resp, nil
}

func (v *Verifier) verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (string, error) {
	if reason := Check(payload, req, v.now()); reason != "" {
		return reason, nil
	}

	if reason, err := v.checkReplay(ctx, payload, req); err != nil || reason != "" {
		return reason, err
	}

	if payload.Payload.Signature == "" || !v.corroborate {
		return "", nil
	}
	return v.corroborateTransfer(ctx, payload, req)
}

// Check runs the checks that need no I/O, in order: version, payload shape,
// scheme, network, amount, recipient, asset and expiry. It returns the
// reason for the first failure or "".
func Check(payload *x402.PaymentPayload, req *x402.PaymentRequirements, now time.Time) string {
	if payload == nil || req == nil {
		return x402.ReasonInvalidPayload
	}
	if payload.X402Version != x402.X402Version {
		return x402.ReasonUnsupportedVersion
	}
	if err := validation.ValidatePaymentPayload(*payload); err != nil {
		return x402.ReasonInvalidPayload
	}

	if payload.Scheme != req.Scheme {
		return x402.ReasonSchemeMismatch
	}
	if payload.Network != req.Network {
		return x402.ReasonNetworkMismatch
	}

	paid, err := x402.ParseAtomicAmount(payload.Payload.Amount)
	if err != nil {
		return x402.ReasonInvalidPayload
	}
	required, err := x402.ParseAtomicAmount(req.MaxAmountRequired)
	if err != nil || paid.Cmp(required) != 0 {
		return x402.ReasonAmountMismatch
	}

	if !x402.SameAddress(payload.Payload.To, req.PayTo) {
		return x402.ReasonRecipientMismatch
	}
	if !x402.SameAsset(payload.Payload.Mint, req.Asset) {
		return x402.ReasonCurrencyMismatch
	}

	if req.Expired(now) {
		return x402.ReasonExpired
	}
	if exp, ok := req.ExpiresAt(); ok && time.UnixMilli(payload.Payload.Timestamp).After(exp) {
		return x402.ReasonExpired
	}
	return ""
}

func (v *Verifier) checkReplay(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (string, error) {
	if v.guard != nil {
		state, err := v.guard.State(ctx, guard.KeyFor(req, payload))
		if err != nil {
			return "", fmt.Errorf("verifier: guard state: %w", err)
		}
		switch state {
		case guard.StateClaimed, guard.StateConsumed, guard.StateDead:
			return x402.ReasonReplay, nil
		case guard.StateAbsent, guard.StateOutstanding:
		}
	}

	if v.records != nil && payload.Payload.Signature != "" {
		_, err := v.records.GetBySignature(ctx, payload.Payload.Signature)
		switch {
		case err == nil:
			return x402.ReasonReplay, nil
		case !errors.Is(err, ledger.ErrNotFound):
			return "", fmt.Errorf("verifier: ledger lookup: %w", err)
		}
	}
	return "", nil
}

func (v *Verifier) corroborateTransfer(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (string, error) {
	if v.chains == nil {
		return x402.ReasonUnsupportedNetwork, nil
	}
	inspector, err := v.chains.Inspector(req.Network)
	if err != nil {
		return x402.ReasonUnsupportedNetwork, nil
	}
	expect, err := chain.ExpectationFor(payload, req)
	if err != nil {
		return x402.ReasonAmountMismatch, nil
	}

	transfer, err := inspector.GetTransfer(ctx, payload.Payload.Signature, expect)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return x402.ReasonInvalidSignature, nil
		}
		return "", err
	}
	return TransferReason(transfer, expect), nil
}

// TransferReason maps an observed transfer to a verification reason.
func TransferReason(transfer *chain.Transfer, expect chain.Expectation) string {
	switch transfer.Status {
	case chain.StatusPending:
		return x402.ReasonNotConfirmed
	case chain.StatusFailed:
		return x402.ReasonInvalidSignature
	case chain.StatusConfirmed:
		return chain.MismatchReason(transfer, expect)
	default:
		return x402.ReasonNotConfirmed
	}
}

func networkOf(req *x402.PaymentRequirements) string {
	if req == nil {
		return ""
	}
	return req.Network
}
