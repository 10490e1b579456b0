// Package gin provides Gin-compatible x402 payment gating and a Gin router
// exposing a facilitator over REST.
//
// The middleware is a thin adapter over the paywall package shared with the
// net/http middleware. Unlike the net/http middleware, it settles before the
// protected handler runs: Gin handlers write straight to the connection, so
// the response cannot be held back until settlement succeeds.
package gin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/Blessedbiello/402pay-sub001"
	x402http "github.com/Blessedbiello/402pay-sub001/http"
	"github.com/Blessedbiello/402pay-sub001/http/internal/helpers"
	"github.com/Blessedbiello/402pay-sub001/issuer"
	"github.com/Blessedbiello/402pay-sub001/paywall"
)

// Config is an alias for x402http.Config for convenience.
type Config = x402http.Config

// PaymentContextKey is the gin context key for storing verified payment information.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates a new x402 payment middleware for Gin.
//
// The middleware:
//   - Returns 402 Payment Required with freshly issued requirements when X-PAYMENT is missing or invalid
//   - Verifies payments with the facilitator, falling back to the fallback facilitator on errors
//   - Settles payments (unless VerifyOnly=true) and adds X-PAYMENT-RESPONSE
//   - Stores the verification in the Gin context via c.Set("x402_payment", verifyResp)
//   - Calls c.Abort() on payment failure to stop the handler chain
//
// Example usage:
//
//	config := gin.Config{
//	    Issuer:         issuer.New(guard.NewMemoryStore()),
//	    FacilitatorURL: "https://facilitator.example.com",
//	    Options: []issuer.PaymentOption{{
//	        Price: issuer.Price{Amount: "10000", Network: "solana-devnet"},
//	        PayTo: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
//	    }},
//	}
//	mw, err := gin.NewX402Middleware(config)
//	r.GET("/protected", mw, handler)
func NewX402Middleware(config Config) (gin.HandlerFunc, error) {
	pw, err := x402http.NewPaywall(config)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		resource := x402http.ResourceFor(config, c.Request)

		payment, rejection := pw.Verify(c.Request.Context(), resource,
			c.GetHeader(x402.HeaderPayment), c.GetHeader(x402.HeaderPaymentRequirements))
		if rejection != nil {
			abortWith(c, pw, resource, rejection, logger)
			return
		}

		settlement, rejection := pw.Settle(c.Request.Context(), payment)
		if rejection != nil {
			abortWith(c, pw, resource, rejection, logger)
			return
		}
		if settlement != nil {
			if err := helpers.AddPaymentResponseHeader(c.Writer, settlement); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
		}

		c.Set(PaymentContextKey, payment.Verification)

		// Also store in stdlib context for compatibility with http package helpers
		ctx := context.WithValue(c.Request.Context(), x402http.PaymentContextKey, payment.Verification)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}, nil
}

// abortWith renders a rejection using Gin's JSON methods and aborts the chain.
func abortWith(c *gin.Context, pw *paywall.Paywall, resource issuer.Resource, rejection *paywall.Rejection, logger *slog.Logger) {
	if rejection.Settlement != nil {
		if err := helpers.AddPaymentResponseHeader(c.Writer, rejection.Settlement); err != nil {
			logger.Warn("failed to add payment response header", "error", err)
		}
	}
	if !rejection.Challenge {
		c.AbortWithStatusJSON(rejection.Status, gin.H{
			"x402Version": x402.X402Version,
			"error":       rejection.Message,
		})
		return
	}

	body, err := pw.Challenge(c.Request.Context(), resource, rejection.Message)
	if err != nil {
		logger.Error("failed to issue payment requirements", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"x402Version": x402.X402Version,
			"error":       "Payment requirements unavailable",
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

// GetPaymentFromContext extracts the verified payment information from the Gin context.
// Returns nil if no payment was verified or the context does not contain payment info.
func GetPaymentFromContext(c *gin.Context) *x402.VerifyResponse {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	resp, ok := value.(*x402.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
