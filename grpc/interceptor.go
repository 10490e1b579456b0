// Package grpc gates gRPC methods behind x402 payments. Payments travel in
// request metadata; 402 answers are ResourceExhausted statuses whose
// message is the encoded 402 body.
package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/encoding"
	"github.com/Blessedbiello/402pay-sub001/issuer"
	"github.com/Blessedbiello/402pay-sub001/paywall"
)

// Config configures the interceptor.
type Config struct {
	// Paywall verifies and settles payments. Required.
	Paywall *paywall.Paywall

	// Methods maps the full names of priced methods to their resource. An
	// empty resource URL is replaced by the method name. When Methods is
	// nil every method is priced.
	Methods map[string]issuer.Resource

	Logger *slog.Logger
}

type contextKey struct{}

// UnaryServerInterceptor enforces payment on priced unary methods. The
// payment is settled only when the handler succeeds; the settlement is
// returned in the x402-payment-response trailer.
func UnaryServerInterceptor(cfg Config) (grpc.UnaryServerInterceptor, error) {
	if cfg.Paywall == nil {
		return nil, errors.New("x402: interceptor requires a paywall")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resource, priced := cfg.resourceFor(info.FullMethod)
		if !priced {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		payment, rejection := cfg.Paywall.Verify(ctx, resource,
			first(md, MetadataKeyPayment), first(md, MetadataKeyPaymentRequirements))
		if rejection != nil {
			return nil, reject(ctx, cfg.Paywall, resource, rejection, logger)
		}

		resp, err := handler(context.WithValue(ctx, contextKey{}, payment.Verification), req)
		if err != nil {
			logger.WarnContext(ctx, "handler failed, skipping payment settlement", "method", info.FullMethod, "error", err)
			return nil, err
		}

		settlement, rejection := cfg.Paywall.Settle(ctx, payment)
		if rejection != nil {
			return nil, reject(ctx, cfg.Paywall, resource, rejection, logger)
		}
		if settlement != nil {
			setSettlementTrailer(ctx, settlement, logger)
		}
		return resp, nil
	}, nil
}

func (cfg Config) resourceFor(method string) (issuer.Resource, bool) {
	resource := issuer.Resource{}
	if cfg.Methods != nil {
		r, ok := cfg.Methods[method]
		if !ok {
			return resource, false
		}
		resource = r
	}
	if resource.URL == "" {
		resource.URL = method
	}
	if resource.Description == "" {
		resource.Description = "Payment required for " + method
	}
	return resource, true
}

func reject(ctx context.Context, pw *paywall.Paywall, resource issuer.Resource, rejection *paywall.Rejection, logger *slog.Logger) error {
	if rejection.Settlement != nil {
		setSettlementTrailer(ctx, rejection.Settlement, logger)
	}
	if !rejection.Challenge {
		return status.Error(codeFor(rejection.Status), rejection.Message)
	}

	body, err := pw.Challenge(ctx, resource, rejection.Message)
	if err != nil {
		logger.ErrorContext(ctx, "failed to issue payment requirements", "error", err)
		return status.Error(codes.Internal, "payment requirements unavailable")
	}
	encoded, err := encoding.EncodeRequirements(*body)
	if err != nil {
		return status.Error(codes.Internal, "payment requirements unavailable")
	}
	if err := grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentRequirements, encoded)); err != nil {
		logger.DebugContext(ctx, "failed to set requirements trailer", "error", err)
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

func setSettlementTrailer(ctx context.Context, settlement *x402.SettleResponse, logger *slog.Logger) {
	encoded, err := encoding.EncodeSettlement(settlement.Settlement())
	if err != nil {
		logger.WarnContext(ctx, "failed to encode settlement", "error", err)
		return
	}
	if err := grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentResponse, encoded)); err != nil {
		logger.WarnContext(ctx, "failed to set settlement trailer", "error", err)
	}
}

func codeFor(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusPaymentRequired:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// GetPaymentFromContext returns the verified payment of a priced call, or nil.
func GetPaymentFromContext(ctx context.Context) *x402.VerifyResponse {
	resp, _ := ctx.Value(contextKey{}).(*x402.VerifyResponse)
	return resp
}
