package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/facilitator"
	"github.com/Blessedbiello/402pay-sub001/http/internal/helpers"
	"github.com/Blessedbiello/402pay-sub001/issuer"
	"github.com/Blessedbiello/402pay-sub001/paywall"
)

// Config holds the configuration for the x402 middleware.
type Config struct {
	// Issuer issues the requirements of 402 answers.
	Issuer *issuer.Issuer

	// Resource describes the protected resource. An empty URL is derived
	// from each request.
	Resource issuer.Resource

	// Options are the accepted payment methods.
	Options []issuer.PaymentOption

	// Facilitator is an in-process or custom facilitator. When nil, a
	// FacilitatorClient for FacilitatorURL is used.
	Facilitator facilitator.Interface

	// FacilitatorURL is the primary remote facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator.
	FallbackFacilitatorURL string

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// FacilitatorAuthorization is a static Authorization header value for the primary facilitator.
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider returns the Authorization header value
	// for the primary facilitator. It takes precedence over FacilitatorAuthorization.
	FacilitatorAuthorizationProvider AuthorizationProvider

	FacilitatorOnBeforeVerify OnBeforeFunc
	FacilitatorOnAfterVerify  OnAfterVerifyFunc
	FacilitatorOnBeforeSettle OnBeforeFunc
	FacilitatorOnAfterSettle  OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider returns the Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider

	FallbackFacilitatorOnBeforeVerify OnBeforeFunc
	FallbackFacilitatorOnAfterVerify  OnAfterVerifyFunc
	FallbackFacilitatorOnBeforeSettle OnBeforeFunc
	FallbackFacilitatorOnAfterSettle  OnAfterSettleFunc

	// OnPaymentEvent receives verified, settled and rejected events.
	OnPaymentEvent x402.PaymentCallback

	Logger *slog.Logger
}

type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("x402_payment")

// NewPaywall builds the transport-neutral paywall described by config. The
// gin adapter shares it with NewX402Middleware.
func NewPaywall(config Config) (*paywall.Paywall, error) {
	primary := config.Facilitator
	if primary == nil {
		primary = &FacilitatorClient{
			BaseURL:               config.FacilitatorURL,
			Client:                &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
			Timeouts:              x402.DefaultTimeouts,
			Authorization:         config.FacilitatorAuthorization,
			AuthorizationProvider: config.FacilitatorAuthorizationProvider,
			OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
			OnAfterVerify:         config.FacilitatorOnAfterVerify,
			OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
			OnAfterSettle:         config.FacilitatorOnAfterSettle,
		}
	}

	var fallback facilitator.Interface
	if config.FallbackFacilitatorURL != "" {
		fallback = &FacilitatorClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
			Timeouts:              x402.DefaultTimeouts,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
			OnBeforeVerify:        config.FallbackFacilitatorOnBeforeVerify,
			OnAfterVerify:         config.FallbackFacilitatorOnAfterVerify,
			OnBeforeSettle:        config.FallbackFacilitatorOnBeforeSettle,
			OnAfterSettle:         config.FallbackFacilitatorOnAfterSettle,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.VerifyTimeout)
	defer cancel()
	return paywall.New(ctx, paywall.Config{
		Issuer:      config.Issuer,
		Options:     config.Options,
		Facilitator: primary,
		Fallback:    fallback,
		VerifyOnly:  config.VerifyOnly,
		OnEvent:     config.OnPaymentEvent,
		Logger:      config.Logger,
	})
}

// ResourceFor fills the resource URL and description from r where config
// leaves them empty.
func ResourceFor(config Config, r *http.Request) issuer.Resource {
	resource := config.Resource
	if resource.URL == "" {
		resource.URL = helpers.BuildResourceURL(r)
	}
	if resource.Description == "" {
		resource.Description = "Payment required for " + r.URL.Path
	}
	return resource
}

// NewX402Middleware creates a payment middleware that wraps HTTP handlers
// with payment gating. Payments are settled only when the handler succeeds.
func NewX402Middleware(config Config) (func(http.Handler) http.Handler, error) {
	pw, err := NewPaywall(config)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resource := ResourceFor(config, r)
			payment, rejection := pw.Verify(r.Context(), resource,
				r.Header.Get(x402.HeaderPayment), r.Header.Get(x402.HeaderPaymentRequirements))
			if rejection != nil {
				reject(w, r, pw, resource, rejection, logger)
				return
			}

			ctx := context.WithValue(r.Context(), PaymentContextKey, payment.Verification)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					settlement, rejection := pw.Settle(r.Context(), payment)
					if rejection != nil {
						reject(w, r, pw, resource, rejection, logger)
						return false
					}
					if settlement != nil {
						if err := helpers.AddPaymentResponseHeader(w, settlement); err != nil {
							logger.Warn("failed to add payment response header", "error", err)
						}
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
			// A handler that writes nothing answers an implicit 200.
			if !interceptor.committed {
				interceptor.WriteHeader(http.StatusOK)
			}
		})
	}, nil
}

// reject writes a rejection: a fresh 402 body for challenges, a plain error
// otherwise.
func reject(w http.ResponseWriter, r *http.Request, pw *paywall.Paywall, resource issuer.Resource, rejection *paywall.Rejection, logger *slog.Logger) {
	if rejection.Settlement != nil {
		if err := helpers.AddPaymentResponseHeader(w, rejection.Settlement); err != nil {
			logger.Warn("failed to add payment response header", "error", err)
		}
	}
	if !rejection.Challenge {
		http.Error(w, rejection.Message, rejection.Status)
		return
	}
	body, err := pw.Challenge(r.Context(), resource, rejection.Message)
	if err != nil {
		logger.Error("failed to issue payment requirements", "error", err)
		http.Error(w, "Payment requirements unavailable", http.StatusInternalServerError)
		return
	}
	if err := helpers.SendPaymentRequired(w, body); err != nil {
		logger.Error("failed to send payment required response", "error", err)
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of commitment.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs the settlement and writes the error response on failure.
	settleFunc func() bool
	onFailure  func(statusCode int)
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// The settlement error was already written; drop the handler's body.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through unsettled.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if i.hijacked {
		return
	}
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		// Settle before the connection is handed over (e.g., WebSocket upgrades).
		if !i.committed {
			i.committed = true
			if !i.settleFunc() {
				i.hijacked = true
				return nil, nil, errors.New("payment settlement failed")
			}
		}
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// GetPaymentFromContext extracts the verified payment information from the request context.
// Returns nil if no payment was verified or the context does not contain payment info.
func GetPaymentFromContext(ctx context.Context) *x402.VerifyResponse {
	resp, _ := ctx.Value(PaymentContextKey).(*x402.VerifyResponse)
	return resp
}
