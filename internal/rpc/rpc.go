// ABOUTME: JSON-RPC 2.0 protocol handler for the MCP tool-invocation surface
// ABOUTME: Dispatches initialize/ping/tools methods and processes batched envelopes

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/tracker-gateway/internal/tools"
)

// protocolVersion is advertised in initialize responses.
const protocolVersion = "2025-03-26"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call. Tool execution failures are
// carried here as error content, not as JSON-RPC error objects: transport
// and dispatch failures are RPC errors, business failures are payload.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one block of tool result content.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []tools.Tool `json:"tools"`
}

// Handler processes JSON-RPC payloads. It is stateless per request apart
// from the session id threaded through to the dispatcher.
type Handler struct {
	dispatcher *tools.Dispatcher
	logger     *slog.Logger
	service    string
	version    string
}

// NewHandler creates a protocol handler over the given tool dispatcher.
func NewHandler(dispatcher *tools.Dispatcher, service, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger.With("component", "rpc"),
		service:    service,
		version:    version,
	}
}

// Handle processes one request body, single envelope or batch, and returns
// the serialized response. A nil return means no response body is due
// (notification-only input).
func (h *Handler) Handle(ctx context.Context, sessionID string, body []byte) []byte {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return h.handleBatch(ctx, sessionID, trimmed)
	}

	resp := h.handleOne(ctx, sessionID, body)
	if resp == nil {
		return nil
	}
	return marshalResponse(resp, h.logger)
}

// handleBatch runs all batch entries concurrently and reassembles the
// responses in input order. Notification entries produce no response and
// are filtered out; an all-notification batch yields no body.
func (h *Handler) handleBatch(ctx context.Context, sessionID string, body []byte) []byte {
	var envelopes []json.RawMessage
	if err := json.Unmarshal(body, &envelopes); err != nil {
		return marshalResponse(errorResponse(nil, CodeParseError, "invalid JSON"), h.logger)
	}
	if len(envelopes) == 0 {
		return marshalResponse(errorResponse(nil, CodeInvalidRequest, "empty batch"), h.logger)
	}

	responses := make([]*Response, len(envelopes))
	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range envelopes {
		g.Go(func() error {
			responses[i] = h.handleOne(gctx, sessionID, raw)
			return nil
		})
	}
	_ = g.Wait() // entries never return errors; failures become per-entry responses

	results := make([]*Response, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			results = append(results, resp)
		}
	}
	if len(results) == 0 {
		return nil
	}

	data, err := json.Marshal(results)
	if err != nil {
		h.logger.Warn("failed to encode batch response", "error", err)
		return marshalResponse(errorResponse(nil, CodeInternalError, "encoding failure"), h.logger)
	}
	return data
}

// handleOne processes a single envelope. Returns nil for notifications.
func (h *Handler) handleOne(ctx context.Context, sessionID string, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, CodeParseError, "invalid JSON")
	}

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid JSON-RPC version")
	}
	if req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "missing method")
	}

	// Requests without an id are fire-and-forget
	if isNotification(req.ID) {
		h.logger.Debug("notification accepted", "method", req.Method, "session_id", sessionID)
		return nil
	}

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, ListToolsResult{Tools: tools.Catalog()})
	case "tools/call":
		return h.handleToolsCall(ctx, sessionID, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *Handler) handleInitialize(req Request) *Response {
	return resultResponse(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    h.service,
			"version": h.version,
		},
	})
}

func (h *Handler) handleToolsCall(ctx context.Context, sessionID string, req Request) *Response {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tool name is required")
	}

	requestID := uuid.New().String()
	h.logger.Debug("tools/call", "tool_name", params.Name, "request_id", requestID, "session_id", sessionID)

	result, err := h.dispatcher.Dispatch(ctx, sessionID, params.Name, params.Arguments)
	if err != nil {
		// Business failures are successful RPC responses carrying error content
		h.logger.Warn("tool execution failed",
			"tool_name", params.Name,
			"request_id", requestID,
			"error", err,
		)
		payload, _ := json.MarshalIndent(map[string]string{"error": err.Error()}, "", "  ")
		return resultResponse(req.ID, CallToolResult{
			Content: []Content{{Type: "text", Text: string(payload)}},
			IsError: true,
		})
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, "encoding tool result failed")
	}

	h.logger.Debug("tools/call complete", "tool_name", params.Name, "request_id", requestID)

	return resultResponse(req.ID, CallToolResult{
		Content: []Content{{Type: "text", Text: string(payload)}},
	})
}

func isNotification(id json.RawMessage) bool {
	return len(id) == 0 || string(id) == "null"
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

func marshalResponse(resp *Response, logger *slog.Logger) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("failed to encode JSON-RPC response", "error", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"encoding failure"}}`)
	}
	return data
}
