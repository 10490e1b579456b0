// Package http provides the HTTP surface of the x402 protocol: a paying
// client, a resource-server middleware and a client for remote facilitators.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/facilitator"
	"github.com/Blessedbiello/402pay-sub001/retry"
)

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// The provider is called on every HTTP request, including retry attempts,
// and must be safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is a callback invoked before a verify or settle operation.
// Return an error to abort the operation.
type OnBeforeFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) error

// OnAfterVerifyFunc is a callback invoked after a Verify operation completes.
type OnAfterVerifyFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.VerifyResponse, error)

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
type OnAfterSettleFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirements, *x402.SettleResponse, error)

// FacilitatorClient is a client for remote facilitator services.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.example.com").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration for payment operations.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for retryable failures.
	// Set to 0 to disable retries.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	RetryDelay time.Duration

	// Authorization is a static Authorization header value (e.g., "Bearer token").
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns the Authorization header value per request.
	AuthorizationProvider AuthorizationProvider

	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// Verify verifies a payment without executing the transaction.
func (c *FacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	resp, resultErr := post[x402.VerifyResponse](ctx, c, "/verify", c.Timeouts.VerifyTimeout, payload, requirements, x402.ErrVerificationFailed)
	if resp != nil && resp.Payer == "" {
		resp.Payer = payload.Payload.From
	}

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirements, resp, resultErr)
	}
	return resp, resultErr
}

// Settle executes a verified payment on the blockchain.
func (c *FacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	resp, resultErr := post[x402.SettleResponse](ctx, c, "/settle", c.Timeouts.SettleTimeout, payload, requirements, x402.ErrSettlementFailed)

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirements, resp, resultErr)
	}
	return resp, resultErr
}

func post[T any](ctx context.Context, c *FacilitatorClient, path string, timeout time.Duration, payload x402.PaymentPayload, requirements x402.PaymentRequirements, baseErr error) (*T, error) {
	body, err := facilitator.NewRequest(payload, requirements)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.WithRetry(ctx, c.retryConfig(), x402.IsRetryable, func() (*T, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, baseErr)
		}

		var out T
		if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return &out, nil
	})
}

// Supported queries the facilitator for supported payment kinds.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(httpResp, x402.ErrFacilitatorUnavailable)
	}

	var supportedResp x402.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supportedResp, nil
}

// parseErrorResponse classifies a non-200 response by its status code and
// extracts the reason the facilitator gave, if any.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := fmt.Sprintf("facilitator returned status %d", resp.StatusCode)
	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		for _, key := range []string{"invalidReason", "error", "errorReason"} {
			if reason, ok := errBody[key].(string); ok && reason != "" {
				msg = fmt.Sprintf("%s: %s", msg, reason)
				break
			}
		}
	} else if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		msg = fmt.Sprintf("%s: %s", msg, string(bodyBytes))
	}

	pe := x402.NewPaymentError(x402.KindForStatus(resp.StatusCode), msg, baseErr).
		WithDetails("status", resp.StatusCode)
	if resp.StatusCode >= 500 && pe.Kind == x402.KindUnknown {
		pe.Kind = x402.KindNetworkError
		pe.WithRetryable(true)
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds >= 0 {
		pe.WithRetryAfter(time.Duration(seconds) * time.Second)
	}
	return pe
}
