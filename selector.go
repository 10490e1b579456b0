package x402

import (
	"context"
	"sort"
	"strings"
)

// PaymentSelector selects the appropriate payer and makes a payment.
type PaymentSelector interface {
	// Select chooses the best payer and requirement among the offered options
	// without paying.
	Select(payers []Payer, requirements []PaymentRequirements) (Payer, *PaymentRequirements, error)
}

// DefaultPaymentSelector implements the standard payment selection algorithm.
// It selects payers based on:
// 1. Network match (a mismatch on every option is a NetworkMismatch failure)
// 2. Ability to satisfy requirements (scheme, token and spending limit)
// 3. Payer priority (lower number = higher priority)
// 4. Token priority within the payer
// 5. Configuration order (for ties)
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// Select implements PaymentSelector.
func (s *DefaultPaymentSelector) Select(payers []Payer, requirements []PaymentRequirements) (Payer, *PaymentRequirements, error) {
	if len(payers) == 0 {
		return nil, nil, NewPaymentError(KindPaymentFailed, "no payers configured", ErrNoValidPayer).
			WithCode(ErrCodeNoValidPayer)
	}
	if len(requirements) == 0 {
		return nil, nil, NewPaymentError(KindPaymentFailed, "no payment requirements provided", ErrInvalidRequirements).
			WithCode(ErrCodeInvalidRequirements)
	}

	type candidate struct {
		requirement      *PaymentRequirements
		payer            Payer
		payerPriority    int
		tokenPriority    int
		payerIndex       int
		requirementIndex int
	}

	var candidates []candidate
	networkMatched := false
	amountExceeded := false
	hasValidRequirement := false

	for i := range requirements {
		req := &requirements[i]

		requiredAmount, err := ParseAtomicAmount(req.MaxAmountRequired)
		if err != nil {
			continue
		}
		hasValidRequirement = true

		for payerIndex, payer := range payers {
			if payer.Network() != req.Network {
				continue
			}
			networkMatched = true
			if !payer.CanPay(req) {
				continue
			}
			if maxAmount := payer.GetMaxAmount(); maxAmount != nil && requiredAmount.Cmp(maxAmount) > 0 {
				amountExceeded = true
				continue
			}

			tokenPriority := 0
			for _, token := range payer.GetTokens() {
				if SameAsset(token.Address, req.Asset) {
					tokenPriority = token.Priority
					break
				}
			}

			candidates = append(candidates, candidate{
				requirement:      req,
				payer:            payer,
				payerPriority:    payer.GetPriority(),
				tokenPriority:    tokenPriority,
				payerIndex:       payerIndex,
				requirementIndex: i,
			})
		}
	}

	if !hasValidRequirement {
		return nil, nil, NewPaymentError(KindPaymentFailed, "invalid amount in requirements", ErrInvalidRequirements).
			WithCode(ErrCodeInvalidRequirements)
	}

	if len(candidates) == 0 {
		options := make([]string, 0, len(requirements))
		for _, req := range requirements {
			options = append(options, req.Network+":"+req.Asset)
		}
		switch {
		case !networkMatched:
			return nil, nil, NewPaymentError(KindPaymentFailed, "no offered network matches a configured payer", ErrNetworkMismatch).
				WithCode(ErrCodeNetworkMismatch).
				WithDetails("options", strings.Join(options, ", "))
		case amountExceeded:
			return nil, nil, NewPaymentError(KindAmountMismatch, "payment amount exceeds per-call limit", ErrAmountExceeded).
				WithCode(ErrCodeAmountExceeded).
				WithDetails("options", strings.Join(options, ", "))
		default:
			return nil, nil, NewPaymentError(KindPaymentFailed, "no payer can satisfy any payment requirement", ErrNoValidPayer).
				WithCode(ErrCodeNoValidPayer).
				WithDetails("options", strings.Join(options, ", "))
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].payerPriority != candidates[j].payerPriority {
			return candidates[i].payerPriority < candidates[j].payerPriority
		}
		if candidates[i].tokenPriority != candidates[j].tokenPriority {
			return candidates[i].tokenPriority < candidates[j].tokenPriority
		}
		if candidates[i].payerIndex != candidates[j].payerIndex {
			return candidates[i].payerIndex < candidates[j].payerIndex
		}
		return candidates[i].requirementIndex < candidates[j].requirementIndex
	})

	return candidates[0].payer, candidates[0].requirement, nil
}

// SelectAndPay selects a payer with selector and pays the chosen requirement.
func SelectAndPay(ctx context.Context, selector PaymentSelector, payers []Payer, requirements []PaymentRequirements) (*PaymentPayload, *PaymentRequirements, error) {
	if selector == nil {
		selector = NewDefaultPaymentSelector()
	}
	payer, req, err := selector.Select(payers, requirements)
	if err != nil {
		return nil, nil, err
	}
	payment, err := Pay(ctx, payer, req)
	if err != nil {
		return nil, req, err
	}
	return payment, req, nil
}

// Pay pays req with payer. Payment failures that are already classified keep
// their kind; anything else is a PaymentFailed error.
func Pay(ctx context.Context, payer Payer, req *PaymentRequirements) (*PaymentPayload, error) {
	payment, err := payer.Pay(ctx, req)
	if err != nil {
		if KindOf(err) != KindUnknown {
			return nil, err
		}
		return nil, NewPaymentError(KindPaymentFailed, "failed to construct payment", err).
			WithCode(ErrCodeSigningFailed)
	}
	return payment, nil
}

// FindMatchingRequirement finds the requirement a payment was made against.
// Scheme and network must match; when the payment carries a recipient it must
// match too, so multi-option bodies on one network resolve correctly.
func FindMatchingRequirement(payment *PaymentPayload, requirements []PaymentRequirements) (*PaymentRequirements, error) {
	var fallback *PaymentRequirements
	for i := range requirements {
		req := &requirements[i]
		if req.Network != payment.Network || req.Scheme != payment.Scheme {
			continue
		}
		if SameAddress(req.PayTo, payment.Payload.To) && SameAsset(req.Asset, payment.Payload.Mint) {
			return req, nil
		}
		if fallback == nil {
			fallback = req
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, NewPaymentError(
		KindPaymentVerificationFailed,
		"no matching requirement for network and scheme",
		ErrUnsupportedScheme,
	).WithCode(ErrCodeUnsupportedScheme).
		WithDetails("network", payment.Network).
		WithDetails("scheme", payment.Scheme)
}
