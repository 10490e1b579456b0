package gin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/facilitator"
)

// RouterConfig configures the facilitator REST router.
type RouterConfig struct {
	// Facilitator answers the requests. Required.
	Facilitator facilitator.Interface

	// Auth, when set, protects /verify, /settle and /supported with bearer tokens.
	Auth *TokenValidator

	// RateLimiter, when set, limits callers after authentication.
	RateLimiter *RateLimiter

	Logger *slog.Logger
}

type errorBody struct {
	Error string    `json:"error"`
	Kind  x402.Kind `json:"kind,omitempty"`
}

// NewRouter returns a Gin engine serving POST /verify, POST /settle,
// GET /supported and GET /healthz.
func NewRouter(cfg RouterConfig) (*gin.Engine, error) {
	if cfg.Facilitator == nil {
		return nil, errors.New("x402: router requires a facilitator")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{facilitator: cfg.Facilitator, logger: logger.With("component", "router")}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/")
	if cfg.Auth != nil {
		api.Use(BearerAuth(cfg.Auth))
	}
	if cfg.RateLimiter != nil {
		api.Use(cfg.RateLimiter.Middleware())
	}
	api.POST("/verify", h.verify)
	api.POST("/settle", h.settle)
	api.GET("/supported", h.supported)
	return r, nil
}

type handlers struct {
	facilitator facilitator.Interface
	logger      *slog.Logger
}

func (h *handlers) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.InfoContext(c.Request.Context(), "request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

// bind decodes a verify or settle request. It reports false after writing
// a 400 for bodies that are not requests at all; a payment header that does
// not decode is left to the caller, which answers it as an invalid payload.
func (h *handlers) bind(c *gin.Context) (facilitator.Request, bool) {
	var req facilitator.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Kind: x402.KindInvalidProof})
		return req, false
	}
	return req, true
}

func (h *handlers) verify(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	payment, err := req.Payment()
	if err != nil {
		h.logger.InfoContext(c.Request.Context(), "undecodable payment header", "error", err)
		c.JSON(http.StatusOK, x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidPayload})
		return
	}

	resp, err := h.facilitator.Verify(c.Request.Context(), payment, req.PaymentRequirements)
	if err != nil {
		h.fail(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) settle(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	payment, err := req.Payment()
	if err != nil {
		h.logger.InfoContext(c.Request.Context(), "undecodable payment header", "error", err)
		c.JSON(http.StatusOK, x402.SettleResponse{
			Success:   false,
			Error:     x402.ReasonInvalidPayload,
			NetworkID: req.PaymentRequirements.Network,
		})
		return
	}

	resp, err := h.facilitator.Settle(c.Request.Context(), payment, req.PaymentRequirements)
	if err != nil {
		h.fail(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) supported(c *gin.Context) {
	resp, err := h.facilitator.Supported(c.Request.Context())
	if err != nil {
		h.fail(c, "supported", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// fail answers an operation that reached no verdict.
func (h *handlers) fail(c *gin.Context, op string, err error) {
	kind := x402.KindOf(err)
	status := StatusFor(kind)
	h.logger.ErrorContext(c.Request.Context(), "facilitator operation failed", "op", op, "kind", kind, "error", err)

	var pe *x402.PaymentError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())))
	}
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error(), Kind: kind})
}

// StatusFor maps an error kind to the HTTP status the router answers with.
func StatusFor(kind x402.Kind) int {
	switch kind {
	case x402.KindNetworkError, x402.KindConnectionRefused:
		return http.StatusServiceUnavailable
	case x402.KindTimeout:
		return http.StatusGatewayTimeout
	case x402.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case x402.KindUnauthorized, x402.KindInvalidAPIKey:
		return http.StatusUnauthorized
	case x402.KindInvalidProof:
		return http.StatusBadRequest
	case x402.KindPaymentFailed, x402.KindPaymentExpired, x402.KindPaymentVerificationFailed,
		x402.KindInsufficientFunds, x402.KindAmountMismatch, x402.KindTransactionFailed,
		x402.KindInvalidSignature, x402.KindReplayAttack, x402.KindNonceReused:
		return http.StatusPaymentRequired
	case x402.KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
