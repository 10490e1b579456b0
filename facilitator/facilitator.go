// Package facilitator defines the facilitator contract for payment verification
// and settlement, and an in-process implementation of it.
//
// A facilitator verifies payment proofs and settles them on chain. The HTTP
// client, the REST router, the MCP tools and the gRPC interceptor all speak
// in terms of Interface.
package facilitator

import (
	"context"
	"fmt"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/chain"
	"github.com/Blessedbiello/402pay-sub001/encoding"
	"github.com/Blessedbiello/402pay-sub001/settler"
	"github.com/Blessedbiello/402pay-sub001/verifier"
)

// Interface defines the standard facilitator contract for payment verification and settlement.
type Interface interface {
	// Verify checks a payment proof without side effects.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle finalizes a payment on chain. Each proof settles at most once.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported lists the payment kinds the facilitator accepts.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// Request is the body of POST /verify and POST /settle.
type Request struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentHeader is the raw X-PAYMENT header value sent by the client.
	PaymentHeader string `json:"paymentHeader"`

	// PaymentRequirements is the requirement the payment answers.
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// NewRequest builds a Request for payment against requirements.
func NewRequest(payment x402.PaymentPayload, requirements x402.PaymentRequirements) (Request, error) {
	header, err := encoding.EncodePayment(payment)
	if err != nil {
		return Request{}, err
	}
	return Request{
		X402Version:         x402.X402Version,
		PaymentHeader:       header,
		PaymentRequirements: requirements,
	}, nil
}

// Payment decodes the request's payment header.
func (r Request) Payment() (x402.PaymentPayload, error) {
	if r.PaymentHeader == "" {
		return x402.PaymentPayload{}, fmt.Errorf("%w: empty paymentHeader", x402.ErrMalformedHeader)
	}
	return encoding.DecodePayment(r.PaymentHeader)
}

// Local is an in-process facilitator backed by a verifier and a settler.
type Local struct {
	verifier *verifier.Verifier
	settler  *settler.Settler
	chains   *chain.Registry
}

var _ Interface = (*Local)(nil)

// NewLocal creates a Local facilitator. chains determines which networks
// are supported and which advertise a fee payer.
func NewLocal(v *verifier.Verifier, s *settler.Settler, chains *chain.Registry) *Local {
	return &Local{verifier: v, settler: s, chains: chains}
}

// Verify implements Interface.
func (l *Local) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return l.verifier.Verify(ctx, &payload, &requirements)
}

// Settle implements Interface.
func (l *Local) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return l.settler.Settle(ctx, &payload, &requirements)
}

// Supported implements Interface.
func (l *Local) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{Kinds: l.chains.Supported()}, nil
}
