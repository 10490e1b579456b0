// Package mcp exposes a facilitator to MCP clients as the x402_verify,
// x402_settle and x402_supported tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	x402 "github.com/Blessedbiello/402pay-sub001"
	"github.com/Blessedbiello/402pay-sub001/facilitator"
)

// Tool names.
const (
	ToolVerify    = "x402_verify"
	ToolSettle    = "x402_settle"
	ToolSupported = "x402_supported"
)

// Server wraps an MCP server whose tools are backed by a facilitator.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	facilitator facilitator.Interface
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an MCP server named name exposing f.
func NewServer(name, version string, f facilitator.Interface, opts ...Option) *Server {
	s := &Server{
		mcpServer:   mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(false)),
		facilitator: f,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mcp")

	paymentArgs := []mcpproto.ToolOption{
		mcpproto.WithString("paymentHeader", mcpproto.Required(),
			mcpproto.Description("The base64 X-PAYMENT header value sent by the client")),
		mcpproto.WithObject("paymentRequirements", mcpproto.Required(),
			mcpproto.Description("The payment requirement the payment answers")),
	}
	s.mcpServer.AddTool(mcpproto.NewTool(ToolVerify,
		append([]mcpproto.ToolOption{mcpproto.WithDescription("Verify an x402 payment without settling it")}, paymentArgs...)...,
	), s.handleVerify)
	s.mcpServer.AddTool(mcpproto.NewTool(ToolSettle,
		append([]mcpproto.ToolOption{mcpproto.WithDescription("Settle an x402 payment on chain")}, paymentArgs...)...,
	), s.handleSettle)
	s.mcpServer.AddTool(mcpproto.NewTool(ToolSupported,
		mcpproto.WithDescription("List the payment kinds this facilitator accepts"),
	), s.handleSupported)
	return s
}

// MCPServer returns the underlying MCP server (for advanced usage).
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns a streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio serves the tools over standard input and output.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) handleVerify(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	request, err := parseRequest(req)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	payment, err := request.Payment()
	if err != nil {
		return jsonResult(x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidPayload})
	}

	resp, err := s.facilitator.Verify(ctx, payment, request.PaymentRequirements)
	if err != nil {
		return s.failure(ctx, ToolVerify, err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSettle(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	request, err := parseRequest(req)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	payment, err := request.Payment()
	if err != nil {
		return jsonResult(x402.SettleResponse{
			Success:   false,
			Error:     x402.ReasonInvalidPayload,
			NetworkID: request.PaymentRequirements.Network,
		})
	}

	resp, err := s.facilitator.Settle(ctx, payment, request.PaymentRequirements)
	if err != nil {
		return s.failure(ctx, ToolSettle, err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSupported(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	resp, err := s.facilitator.Supported(ctx)
	if err != nil {
		return s.failure(ctx, ToolSupported, err), nil
	}
	return jsonResult(resp)
}

func (s *Server) failure(ctx context.Context, tool string, err error) *mcpproto.CallToolResult {
	kind := x402.KindOf(err)
	s.logger.ErrorContext(ctx, "facilitator tool failed", "tool", tool, "kind", kind, "error", err)
	return mcpproto.NewToolResultError(fmt.Sprintf("%s: %v", kind, err))
}

// parseRequest reads the tool arguments into a facilitator request.
func parseRequest(req mcpproto.CallToolRequest) (facilitator.Request, error) {
	args := req.GetArguments()
	header, _ := args["paymentHeader"].(string)
	if header == "" {
		return facilitator.Request{}, fmt.Errorf("paymentHeader is required")
	}
	rawReq, ok := args["paymentRequirements"]
	if !ok || rawReq == nil {
		return facilitator.Request{}, fmt.Errorf("paymentRequirements is required")
	}

	// Arguments arrive as generic JSON; round-trip them into the typed struct.
	data, err := json.Marshal(rawReq)
	if err != nil {
		return facilitator.Request{}, fmt.Errorf("invalid paymentRequirements: %w", err)
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(data, &requirements); err != nil {
		return facilitator.Request{}, fmt.Errorf("invalid paymentRequirements: %w", err)
	}
	return facilitator.Request{
		X402Version:         x402.X402Version,
		PaymentHeader:       header,
		PaymentRequirements: requirements,
	}, nil
}

func jsonResult(v interface{}) (*mcpproto.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcpproto.NewToolResultText(string(data)), nil
}
