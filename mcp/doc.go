// Package mcp contains the Model Context Protocol method names and payload
// types the bridge exchanges with its child server. Only the client-side
// subset needed to initialize a server, list its tools and call them is
// modeled; everything else is forwarded as raw JSON by the bridge.
//
// Tool input schemas and structured results are kept as json.RawMessage so
// that whatever the child advertises reaches the caller unchanged.
//
// Example (typed tool call payload):
//
//	params := mcp.CallToolRequest{
//	    Name:      "echo",
//	    Arguments: map[string]any{"message": "hi"},
//	}
package mcp
