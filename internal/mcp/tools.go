package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// CallTool invokes a server tool by name with the given arguments. The
// text of the result's content blocks is returned as a single string.
// A result without content is ErrMalformedResponse; a result flagged
// isError is a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	return decodeToolResult(name, raw)
}

// decodeToolResult extracts the text of a tools/call result.
func decodeToolResult(name string, raw json.RawMessage) (string, error) {
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("tools/call %s: %w: invalid response format: %v", name, ErrMalformedResponse, err)
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("tools/call %s: %w: invalid response format: no content", name, ErrMalformedResponse)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", &ToolError{Tool: name, Text: text}
	}
	return text, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
