package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-stdio-bridge/mcp"
)

// Initialize sends an initialize request on behalf of a caller and returns
// the child's reply.
func (s *Session) Initialize(ctx context.Context, opts ...InvokeOption) (*mcp.InitializeResult, error) {
	var res mcp.InitializeResult
	if err := s.call(ctx, mcp.InitializeMethod, s.initializeParams(), &res, opts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTools returns one page of the child's tools.
func (s *Session) ListTools(ctx context.Context, cursor string, opts ...InvokeOption) (*mcp.ListToolsResult, error) {
	var res mcp.ListToolsResult
	req := mcp.ListToolsRequest{PaginatedRequest: mcp.PaginatedRequest{Cursor: cursor}}
	if err := s.call(ctx, mcp.ToolsListMethod, req, &res, opts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallTool invokes the named tool. A result with IsError set is returned
// as-is; only JSON-RPC errors become *ExecutionError.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, opts ...InvokeOption) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	req := mcp.CallToolRequest{Name: name, Arguments: args}
	if err := s.call(ctx, mcp.ToolsCallMethod, req, &res, opts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the child answers requests.
func (s *Session) Ping(ctx context.Context, opts ...InvokeOption) error {
	_, err := s.Invoke(ctx, string(mcp.PingMethod), nil, opts...)
	return err
}

func (s *Session) call(ctx context.Context, method mcp.Method, params any, out any, opts ...InvokeOption) error {
	raw, err := s.Invoke(ctx, string(method), params, opts...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
