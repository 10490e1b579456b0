package http

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/encoding"
	"github.com/Blessedbiello/402pay-sub001/http/internal/helpers"
)

// State is a step of a paid request.
type State int

const (
	// StateUnsent: the request has not been sent yet.
	StateUnsent State = iota
	// StateAwaitingRequirement: the server answered 402 and its body is being read.
	StateAwaitingRequirement
	// StatePaying: a requirement was selected and is being paid.
	StatePaying
	// StateRetrying: the request is being resent with the payment proof.
	StateRetrying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnsent:
		return "unsent"
	case StateAwaitingRequirement:
		return "awaiting_requirement"
	case StatePaying:
		return "paying"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// X402Transport is a RoundTripper that pays for requests answered with
// 402 Payment Required and resends them with the payment proof.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Payers is the list of available payers.
	Payers []x402.Payer

	// Selector chooses the payer and requirement.
	Selector x402.PaymentSelector

	// Logger receives state transitions at debug level. Defaults to slog.Default().
	Logger *slog.Logger

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	p, err := t.newPaidRequest(req)
	if err != nil {
		return nil, err
	}
	return p.run()
}

// paidRequest carries one request through the payment states.
type paidRequest struct {
	t      *X402Transport
	req    *http.Request
	body   []byte
	logger *slog.Logger

	state       State
	resp        *http.Response
	payer       x402.Payer
	requirement *x402.PaymentRequirements
	payment     *x402.PaymentPayload
	started     time.Time
	err         error
}

func (t *X402Transport) newPaidRequest(req *http.Request) (*paidRequest, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &paidRequest{t: t, req: req, logger: logger, state: StateUnsent}

	// The body is sent twice when payment is required.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("x402: read request body: %w", err)
		}
		p.body = body
	}
	return p, nil
}

func (p *paidRequest) base() http.RoundTripper {
	if p.t.Base != nil {
		return p.t.Base
	}
	return http.DefaultTransport
}

func (p *paidRequest) run() (*http.Response, error) {
	for {
		if p.state != StateDone && p.state != StateFailed {
			if err := p.req.Context().Err(); err != nil {
				p.fail(err)
			}
		}
		p.logger.Debug("x402 request state", "state", p.state, "url", p.req.URL.String())

		switch p.state {
		case StateUnsent:
			p.send()
		case StateAwaitingRequirement:
			p.readRequirement()
		case StatePaying:
			p.pay()
		case StateRetrying:
			p.retry()
		case StateDone:
			return p.resp, nil
		case StateFailed:
			if p.resp != nil {
				p.resp.Body.Close()
			}
			return nil, p.err
		}
	}
}

func (p *paidRequest) clone() (*http.Request, error) {
	r := p.req.Clone(p.req.Context())
	switch {
	case p.body != nil:
		r.Body = io.NopCloser(bytes.NewReader(p.body))
		r.ContentLength = int64(len(p.body))
	case p.req.GetBody != nil:
		body, err := p.req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

func (p *paidRequest) send() {
	r, err := p.clone()
	if err != nil {
		p.fail(err)
		return
	}
	resp, err := p.base().RoundTrip(r)
	if err != nil {
		p.fail(err)
		return
	}
	p.resp = resp
	if resp.StatusCode != http.StatusPaymentRequired {
		p.state = StateDone
		return
	}
	p.state = StateAwaitingRequirement
}

func (p *paidRequest) readRequirement() {
	required, err := helpers.ParsePaymentRequirements(p.resp)
	p.resp.Body.Close()
	p.resp = nil
	if err != nil {
		p.fail(err)
		return
	}

	selector := p.t.Selector
	if selector == nil {
		selector = x402.NewDefaultPaymentSelector()
	}
	payer, requirement, err := selector.Select(p.t.Payers, required.Accepts)
	if err != nil {
		p.fail(err)
		return
	}
	p.payer = payer
	p.requirement = requirement
	p.state = StatePaying
}

func (p *paidRequest) pay() {
	p.started = time.Now()
	p.emit(p.t.OnPaymentAttempt, x402.PaymentEventAttempt, nil)

	payment, err := x402.Pay(p.req.Context(), p.payer, p.requirement)
	if err != nil {
		p.failPayment(err)
		return
	}
	p.payment = payment
	p.state = StateRetrying
}

func (p *paidRequest) retry() {
	paymentHeader, err := helpers.BuildPaymentHeader(p.payment)
	if err != nil {
		p.failPayment(x402.NewPaymentError(x402.KindPaymentFailed, "failed to build payment header", err).
			WithCode(x402.ErrCodeSigningFailed))
		return
	}
	requirementHeader, err := encoding.EncodeRequirement(*p.requirement)
	if err != nil {
		p.failPayment(x402.NewPaymentError(x402.KindPaymentFailed, "failed to encode requirement", err))
		return
	}

	r, err := p.clone()
	if err != nil {
		p.failPayment(err)
		return
	}
	r.Header.Set(x402.HeaderPayment, paymentHeader)
	r.Header.Set(x402.HeaderPaymentRequirements, requirementHeader)

	resp, err := p.base().RoundTrip(r)
	if err != nil {
		p.failPayment(err)
		return
	}
	p.resp = resp

	settlement := helpers.ParseSettlement(resp.Header.Get(x402.HeaderPaymentResponse))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := x402.NewPaymentError(x402.KindPaymentFailed,
			fmt.Sprintf("x402: paid request returned status %d", resp.StatusCode), x402.ErrSettlementFailed).
			WithRetryable(false).
			WithDetails("status", resp.StatusCode)
		if settlement != nil && settlement.ErrorReason != "" {
			pe.WithDetails("reason", settlement.ErrorReason)
		}
		p.failPayment(pe)
		return
	}

	event := p.event(x402.PaymentEventSuccess, nil)
	if settlement != nil {
		event.Transaction = settlement.Transaction
		event.Payer = settlement.Payer
	}
	if event.Payer == "" {
		event.Payer = p.payment.Payload.From
	}
	if event.Transaction == "" {
		event.Transaction = p.payment.Payload.Signature
	}
	if p.t.OnPaymentSuccess != nil {
		p.t.OnPaymentSuccess(event)
	}
	p.state = StateDone
}

func (p *paidRequest) fail(err error) {
	p.err = err
	p.state = StateFailed
}

// failPayment fails after the payment attempt has started.
func (p *paidRequest) failPayment(err error) {
	p.emit(p.t.OnPaymentFailure, x402.PaymentEventFailure, err)
	p.fail(err)
}

func (p *paidRequest) emit(cb x402.PaymentCallback, typ x402.PaymentEventType, err error) {
	if cb != nil {
		cb(p.event(typ, err))
	}
}

func (p *paidRequest) event(typ x402.PaymentEventType, err error) x402.PaymentEvent {
	event := x402.PaymentEvent{
		Type:      typ,
		Timestamp: time.Now(),
		Resource:  p.req.URL.String(),
		Error:     err,
	}
	if !p.started.IsZero() {
		event.Duration = time.Since(p.started)
	}
	event.Describe(p.requirement)
	return event
}
