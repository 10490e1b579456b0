// Package settler finalizes verified payments exactly once.
//
// Settlement claims the payment's nonce in the replay guard, records a
// pending transaction, waits for the transfer to confirm on chain (relaying
// it first for gasless proofs) and then marks both the record and the nonce
// as final. A nonce that was claimed is always finalized, as consumed on
// success and dead otherwise, even when the caller gives up.
package settler

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
	"github.com/Blessedbiello/402pay-sub001/retry"
	"github.com/Blessedbiello/402pay-sub001/verifier"
)

// DefaultPollInterval is how often the chain is polled for confirmation.
const DefaultPollInterval = time.Second

// Settler settles payments.
type Settler struct {
	guard        guard.Store
	records      ledger.Store
	chains       *chain.Registry
	timeouts     x402.TimeoutConfig
	retry        retry.Config
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// Option configures a Settler.
type Option func(*Settler)

// WithTimeouts sets the timeouts. SettleTimeout applies to requirements
// without maxTimeoutSeconds.
func WithTimeouts(t x402.TimeoutConfig) Option {
	return func(s *Settler) {
		s.timeouts = t
	}
}

// WithRetry bounds the retries of each chain lookup.
func WithRetry(cfg retry.Config) Option {
	return func(s *Settler) {
		s.retry = cfg
	}
}

// WithPollInterval sets how often the chain is polled for confirmation.
func WithPollInterval(d time.Duration) Option {
	return func(s *Settler) {
		s.pollInterval = d
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Settler) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Settler) {
		s.logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Settler) {
		s.metrics = m
	}
}

// New creates a Settler.
func New(store guard.Store, records ledger.Store, chains *chain.Registry, opts ...Option) *Settler {
	s := &Settler{
		guard:        store,
		records:      records,
		chains:       chains,
		timeouts:     x402.DefaultTimeouts,
		retry:        retry.DefaultConfig,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.Default()
	}
	s.logger = s.logger.With("component", "settler")
	return s
}

// Settle settles payload against req. Business failures are reported in
// the response; an error means no verdict could be reached. When ctx is
// cancelled after the nonce was claimed, the nonce is marked dead and the
// context error is returned.
func (s *Settler) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	start := time.Now()
	network := ""
	if req != nil {
		network = req.Network
	}
	ctx, span := telemetry.Tracer().Start(ctx, "x402.settle", trace.WithAttributes(
		attribute.String("x402.network", network),
	))
	defer span.End()

	resp, err := s.settle(ctx, payload, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordSettlement(ctx, network, x402.ReasonSettlementFailed, time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("x402.success", resp.Success),
		attribute.String("x402.reason", resp.Error),
		attribute.String("x402.tx_hash", resp.TxHash),
	)
	s.metrics.RecordSettlement(ctx, network, resp.Error, time.Since(start))
	return resp, nil
}

func (s *Settler) settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if payload == nil || req == nil {
		return failure(req, nil, x402.ReasonInvalidPayload), nil
	}
	key := guard.KeyFor(req, payload)

	if key != "" {
		state, err := s.guard.State(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("settler: guard state: %w", err)
		}
		if state == guard.StateConsumed {
			return s.alreadySettled(ctx, key, req, payload), nil
		}
	}

	if reason := verifier.Check(payload, req, s.now()); reason != "" {
		return failure(req, payload, reason), nil
	}

	expect, err := chain.ExpectationFor(payload, req)
	if err != nil {
		return failure(req, payload, x402.ReasonAmountMismatch), nil
	}
	inspector, err := s.chains.Inspector(req.Network)
	if err != nil {
		return failure(req, payload, x402.ReasonUnsupportedNetwork), nil
	}
	var relayer chain.Relayer
	if payload.Payload.UnsignedTransaction != "" {
		if relayer, err = s.chains.Relayer(req.Network); err != nil {
			return failure(req, payload, x402.ReasonUnsupportedNetwork), nil
		}
	}

	expiresAt, _ := req.ExpiresAt()
	won, observed, err := s.guard.Claim(ctx, key, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("settler: claim nonce: %w", err)
	}
	if !won {
		s.logger.InfoContext(ctx, "nonce already claimed", "nonce", key, "state", observed)
		if observed == guard.StateDead {
			return failure(req, payload, x402.ReasonReplay), nil
		}
		return s.alreadySettled(ctx, key, req, payload), nil
	}

	// The nonce is ours from here on and must be finalized whatever happens.
	record := &ledger.Transaction{
		Nonce:     key,
		Signature: payload.Payload.Signature,
		Payer:     payload.Payload.From,
		Recipient: req.PayTo,
		Amount:    req.MaxAmountRequired,
		Currency:  expect.Asset,
		Network:   req.Network,
		Resource:  req.Resource,
	}
	if err := s.records.Create(ctx, record); err != nil {
		s.finalize(ctx, key, nil, guard.StateDead, "")
		if errors.Is(err, ledger.ErrDuplicate) {
			return failure(req, payload, x402.ReasonReplay), nil
		}
		return nil, fmt.Errorf("settler: create record: %w", err)
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.timeouts.SettlementDeadline(req))
	defer cancel()

	signature, reason := s.confirm(settleCtx, inspector, relayer, payload, expect)
	if reason != "" {
		s.finalize(ctx, key, record, guard.StateDead, signature)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.logger.WarnContext(ctx, "settlement failed",
			"nonce", key, "network", req.Network, "signature", signature, "reason", reason)
		resp := failure(req, payload, reason)
		resp.TxHash = signature
		return resp, nil
	}

	s.finalize(ctx, key, record, guard.StateConsumed, signature)
	s.logger.InfoContext(ctx, "payment settled",
		"nonce", key,
		"network", req.Network,
		"signature", signature,
		"payer", payload.Payload.From,
		"amount", req.MaxAmountRequired,
	)
	return &x402.SettleResponse{
		Success:   true,
		TxHash:    signature,
		NetworkID: req.Network,
		Payer:     payload.Payload.From,
	}, nil
}

// confirm relays the transaction when needed and waits for the transfer to
// confirm. It returns the signature and, on failure, the reason.
func (s *Settler) confirm(ctx context.Context, inspector chain.Inspector, relayer chain.Relayer, payload *x402.PaymentPayload, expect chain.Expectation) (string, string) {
	signature := payload.Payload.Signature
	if relayer != nil {
		// Resubmitting the same signed transaction is idempotent, so
		// transient submit failures are retried.
		sig, err := retry.WithRetry(ctx, s.retry, x402.IsRetryable, func() (string, error) {
			return relayer.Relay(ctx, payload.Payload.UnsignedTransaction, expect)
		})
		if err != nil {
			s.logger.WarnContext(ctx, "relay failed", "error", err)
			switch {
			case errors.Is(err, chain.ErrTransferMismatch):
				return "", x402.ReasonInvalidPayload
			case x402.KindOf(err) == x402.KindInvalidSignature:
				return "", x402.ReasonInvalidSignature
			default:
				return "", x402.ReasonSettlementFailed
			}
		}
		signature = sig
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		transfer, err := retry.WithRetry(ctx, s.retry, x402.IsRetryable, func() (*chain.Transfer, error) {
			return inspector.GetTransfer(ctx, signature, expect)
		})
		switch {
		case err == nil && transfer.Status == chain.StatusConfirmed:
			return signature, chain.MismatchReason(transfer, expect)
		case err == nil && transfer.Status == chain.StatusFailed:
			return signature, x402.ReasonSettlementFailed
		case err == nil, errors.Is(err, chain.ErrNotFound):
			// Not visible or not final yet.
		case x402.IsRetryable(err):
			s.logger.DebugContext(ctx, "confirmation lookup failed", "signature", signature, "error", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			s.logger.WarnContext(ctx, "confirmation lookup failed", "signature", signature, "error", err)
			return signature, x402.ReasonSettlementFailed
		}

		select {
		case <-ctx.Done():
			return signature, x402.ReasonSettlementFailed
		case <-ticker.C:
		}
	}
}

// finalize records the outcome in the ledger and the guard. It runs on a
// context detached from cancellation so that a nonce is never left claimed.
func (s *Settler) finalize(ctx context.Context, key string, record *ledger.Transaction, outcome guard.State, signature string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.VerifyTimeout)
	defer cancel()

	if record != nil {
		status := ledger.StatusConfirmed
		if outcome == guard.StateDead {
			status = ledger.StatusFailed
		}
		if err := s.records.Complete(ctx, record.ID, status, signature); err != nil {
			s.logger.ErrorContext(ctx, "failed to complete transaction record", "id", record.ID, "status", status, "error", err)
		}
	}
	if err := s.guard.Finalize(ctx, key, outcome); err != nil {
		s.logger.ErrorContext(ctx, "failed to finalize nonce", "nonce", key, "outcome", outcome, "error", err)
	}
}

// alreadySettled reports a nonce that was settled (or is being settled) by
// an earlier call, with the original transaction when it is known.
func (s *Settler) alreadySettled(ctx context.Context, key string, req *x402.PaymentRequirements, payload *x402.PaymentPayload) *x402.SettleResponse {
	resp := failure(req, payload, x402.ReasonAlreadySettled)
	tx, err := s.records.GetByNonce(ctx, key)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			s.logger.WarnContext(ctx, "ledger lookup failed", "nonce", key, "error", err)
		}
		return resp
	}
	resp.TxHash = tx.Signature
	resp.Payer = tx.Payer
	return resp
}

func failure(req *x402.PaymentRequirements, payload *x402.PaymentPayload, reason string) *x402.SettleResponse {
	resp := &x402.SettleResponse{Success: false, Error: reason}
	if req != nil {
		resp.NetworkID = req.Network
	}
	if payload != nil {
		resp.Payer = payload.Payload.From
	}
	return resp
}
