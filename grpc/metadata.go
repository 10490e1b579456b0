package grpc

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/encoding"
)

const (
	// MetadataKeyPayment carries the X-PAYMENT value.
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentRequirements carries the encoded 402 body in
	// trailers, and the selected requirement in client metadata.
	MetadataKeyPaymentRequirements = "x402-payment-requirements"

	// MetadataKeyPaymentResponse carries the settlement in trailers.
	MetadataKeyPaymentResponse = "x402-payment-response"
)

// PaymentMetadata builds the outgoing metadata for a payment answering
// requirement.
func PaymentMetadata(payment x402.PaymentPayload, requirement x402.PaymentRequirements) (metadata.MD, error) {
	encodedPayment, err := encoding.EncodePayment(payment)
	if err != nil {
		return nil, err
	}
	encodedRequirement, err := encoding.EncodeRequirement(requirement)
	if err != nil {
		return nil, err
	}
	return metadata.Pairs(
		MetadataKeyPayment, encodedPayment,
		MetadataKeyPaymentRequirements, encodedRequirement,
	), nil
}

// RequirementsFromError extracts the 402 body from a ResourceExhausted
// status returned by the interceptor.
func RequirementsFromError(err error) (*x402.PaymentRequired, error) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, fmt.Errorf("%w: not a payment required status", x402.ErrMalformedHeader)
	}
	body, err := encoding.DecodeRequirements(st.Message())
	if err != nil {
		return nil, err
	}
	return &body, nil
}

// SettlementFromTrailer decodes the settlement a call's trailer carries, or
// returns nil.
func SettlementFromTrailer(md metadata.MD) *x402.SettlementResponse {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil
	}
	settlement, err := encoding.DecodeSettlement(values[0])
	if err != nil {
		return nil
	}
	return &settlement
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
