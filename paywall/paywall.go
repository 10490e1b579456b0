// Package paywall gates resources behind x402 payments independently of the
// transport carrying them. The net/http, gin and gRPC middlewares translate
// their requests into header values and render the outcomes it returns.
package paywall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/encoding"
	"github.com/Blessedbiello/402pay-sub001/facilitator"
	"github.com/Blessedbiello/402pay-sub001/issuer"
)

// Config configures a Paywall.
type Config struct {
	// Issuer issues the requirements of 402 answers. Required.
	Issuer *issuer.Issuer

	// Options are the accepted ways to pay. At least one is required.
	Options []issuer.PaymentOption

	// Facilitator verifies and settles payments. Required.
	Facilitator facilitator.Interface

	// Fallback is tried when Facilitator returns an error.
	Fallback facilitator.Interface

	// VerifyOnly skips settlement.
	VerifyOnly bool

	// OnEvent receives verified, settled and rejected events.
	OnEvent x402.PaymentCallback

	Logger *slog.Logger
}

// Paywall decides whether a request carries an acceptable payment.
type Paywall struct {
	issuer     *issuer.Issuer
	options    []issuer.PaymentOption
	primary    facilitator.Interface
	fallback   facilitator.Interface
	verifyOnly bool
	onEvent    x402.PaymentCallback
	logger     *slog.Logger
}

// Payment is a verified payment waiting for settlement.
type Payment struct {
	Payload      x402.PaymentPayload
	Requirement  x402.PaymentRequirements
	Verification *x402.VerifyResponse
}

// Rejection tells the transport how to refuse a request.
type Rejection struct {
	// Status is the HTTP status to answer with.
	Status int

	// Message is the error text for the client.
	Message string

	// Challenge asks for a fresh 402 body carrying Message.
	Challenge bool

	// Settlement is the failed settlement, if settlement was attempted.
	Settlement *x402.SettleResponse

	Err error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Message, r.Err)
	}
	return r.Message
}

func (r *Rejection) Unwrap() error { return r.Err }

// New creates a Paywall. When the facilitator advertises fee payers, options
// on those networks are enriched with them; a facilitator that cannot be
// reached only produces a warning.
func New(ctx context.Context, cfg Config) (*Paywall, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("paywall: issuer is required")
	}
	if cfg.Facilitator == nil {
		return nil, errors.New("paywall: facilitator is required")
	}
	if len(cfg.Options) == 0 {
		return nil, fmt.Errorf("%w: no payment options", x402.ErrInvalidRequirements)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Paywall{
		issuer:     cfg.Issuer,
		options:    cfg.Options,
		primary:    cfg.Facilitator,
		fallback:   cfg.Fallback,
		verifyOnly: cfg.VerifyOnly,
		onEvent:    cfg.OnEvent,
		logger:     logger.With("component", "paywall"),
	}

	enriched, err := Enrich(ctx, p.primary, cfg.Options)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to enrich payment options from facilitator", "error", err)
	} else {
		p.options = enriched
	}
	return p, nil
}

// Enrich copies the fee payers advertised by f into options on the same
// network that do not name one.
func Enrich(ctx context.Context, f facilitator.Interface, options []issuer.PaymentOption) ([]issuer.PaymentOption, error) {
	supported, err := f.Supported(ctx)
	if err != nil {
		return options, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}
	feePayers := make(map[string]string)
	for _, kind := range supported.Kinds {
		if kind.FeePayer != "" && kind.Scheme == x402.SchemeExact {
			feePayers[kind.Network] = kind.FeePayer
		}
	}

	out := make([]issuer.PaymentOption, len(options))
	for i, opt := range options {
		out[i] = opt
		feePayer, ok := feePayers[opt.Price.Network]
		if !ok {
			continue
		}
		if _, set := opt.Price.Extra[x402.ExtraFeePayer]; set {
			continue
		}
		extra := make(map[string]interface{}, len(opt.Price.Extra)+1)
		for k, v := range opt.Price.Extra {
			extra[k] = v
		}
		extra[x402.ExtraFeePayer] = feePayer
		out[i].Price.Extra = extra
	}
	return out, nil
}

// VerifyOnly reports whether settlement is skipped.
func (p *Paywall) VerifyOnly() bool { return p.verifyOnly }

// Challenge issues a fresh 402 body for resource.
func (p *Paywall) Challenge(ctx context.Context, resource issuer.Resource, message string) (*x402.PaymentRequired, error) {
	return p.issuer.PaymentRequired(ctx, resource, p.options, message)
}

// Verify decodes the X-PAYMENT and X-PAYMENT-REQUIREMENTS values and has the
// payment verified. An empty paymentHeader is a plain challenge.
func (p *Paywall) Verify(ctx context.Context, resource issuer.Resource, paymentHeader, requirementHeader string) (*Payment, *Rejection) {
	if paymentHeader == "" {
		return nil, &Rejection{Status: http.StatusPaymentRequired, Message: "Payment required", Challenge: true}
	}

	started := time.Now()
	payment, requirement, rejection := p.verify(ctx, resource, paymentHeader, requirementHeader)
	if rejection != nil {
		p.emit(x402.PaymentEvent{
			Type:     x402.PaymentEventRejected,
			Resource: resource.URL,
			Reason:   rejection.Message,
			Error:    rejection.Err,
		}, requirement, started)
		return nil, rejection
	}
	p.emit(x402.PaymentEvent{
		Type:     x402.PaymentEventVerified,
		Resource: resource.URL,
		Payer:    payment.Verification.Payer,
	}, requirement, started)
	return payment, nil
}

func (p *Paywall) verify(ctx context.Context, resource issuer.Resource, paymentHeader, requirementHeader string) (*Payment, *x402.PaymentRequirements, *Rejection) {
	payload, err := encoding.DecodePayment(paymentHeader)
	if err != nil {
		p.logger.WarnContext(ctx, "invalid payment header", "error", err)
		return nil, nil, &Rejection{Status: http.StatusBadRequest, Message: "Invalid payment header", Err: err}
	}

	requirement, err := p.requirementFor(ctx, resource, &payload, requirementHeader)
	if err != nil {
		p.logger.WarnContext(ctx, "no matching requirement", "error", err)
		return nil, nil, &Rejection{
			Status:    http.StatusPaymentRequired,
			Message:   "No matching payment requirement",
			Challenge: true,
			Err:       err,
		}
	}

	p.logger.InfoContext(ctx, "verifying payment", "scheme", payload.Scheme, "network", payload.Network)
	verifyResp, err := p.primary.Verify(ctx, payload, *requirement)
	if err != nil && p.fallback != nil {
		p.logger.WarnContext(ctx, "primary facilitator failed, trying fallback", "error", err)
		verifyResp, err = p.fallback.Verify(ctx, payload, *requirement)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "facilitator verification failed", "error", err)
		return nil, requirement, &Rejection{Status: http.StatusServiceUnavailable, Message: "Payment verification failed", Err: err}
	}
	if !verifyResp.IsValid {
		p.logger.WarnContext(ctx, "payment verification failed", "reason", verifyResp.InvalidReason)
		return nil, requirement, &Rejection{
			Status:    http.StatusPaymentRequired,
			Message:   verifyResp.InvalidReason,
			Challenge: true,
			Err:       x402.ErrorForReason(verifyResp.InvalidReason),
		}
	}

	p.logger.InfoContext(ctx, "payment verified", "payer", verifyResp.Payer)
	return &Payment{Payload: payload, Requirement: *requirement, Verification: verifyResp}, requirement, nil
}

// Settle settles a verified payment. In verify-only mode it succeeds
// without contacting the facilitator and returns a nil response.
func (p *Paywall) Settle(ctx context.Context, payment *Payment) (*x402.SettleResponse, *Rejection) {
	if p.verifyOnly {
		return nil, nil
	}

	started := time.Now()
	resp, rejection := p.settle(ctx, payment)
	event := x402.PaymentEvent{
		Type:     x402.PaymentEventSettled,
		Resource: payment.Requirement.Resource,
		Payer:    payment.Verification.Payer,
	}
	if rejection != nil {
		event.Type = x402.PaymentEventRejected
		event.Reason = rejection.Message
		event.Error = rejection.Err
	} else {
		event.Transaction = resp.TxHash
		if resp.Payer != "" {
			event.Payer = resp.Payer
		}
	}
	p.emit(event, &payment.Requirement, started)
	return resp, rejection
}

func (p *Paywall) settle(ctx context.Context, payment *Payment) (*x402.SettleResponse, *Rejection) {

	p.logger.InfoContext(ctx, "settling payment", "payer", payment.Verification.Payer)
	resp, err := p.primary.Settle(ctx, payment.Payload, payment.Requirement)
	if err != nil && p.fallback != nil {
		p.logger.WarnContext(ctx, "primary facilitator settlement failed, trying fallback", "error", err)
		resp, err = p.fallback.Settle(ctx, payment.Payload, payment.Requirement)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "settlement failed", "error", err)
		return nil, &Rejection{Status: http.StatusServiceUnavailable, Message: "Payment settlement failed", Err: err}
	}
	if !resp.Success {
		p.logger.WarnContext(ctx, "settlement unsuccessful", "reason", resp.Error)
		return nil, &Rejection{
			Status:     http.StatusPaymentRequired,
			Message:    resp.Error,
			Challenge:  true,
			Settlement: resp,
			Err:        x402.ErrorForReason(resp.Error),
		}
	}

	p.logger.InfoContext(ctx, "payment settled", "transaction", resp.TxHash)
	return resp, nil
}

func (p *Paywall) emit(event x402.PaymentEvent, requirement *x402.PaymentRequirements, started time.Time) {
	if p.onEvent == nil {
		return
	}
	event.Timestamp = time.Now()
	event.Duration = event.Timestamp.Sub(started)
	event.Describe(requirement)
	p.onEvent(event)
}

// requirementFor resolves the requirement a payment answers. An echoed
// requirement must have been issued here; without one the payment is matched
// against nonce-less requirements built from the options.
func (p *Paywall) requirementFor(ctx context.Context, resource issuer.Resource, payload *x402.PaymentPayload, requirementHeader string) (*x402.PaymentRequirements, error) {
	if requirementHeader != "" {
		echoed, err := encoding.DecodeRequirement(requirementHeader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
		}
		return p.issuer.Recognize(ctx, resource, p.options, echoed)
	}

	described, err := p.issuer.Describe(resource, p.options)
	if err != nil {
		return nil, err
	}
	return x402.FindMatchingRequirement(payload, described)
}
