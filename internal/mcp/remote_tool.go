package mcp

import (
	"context"
	"encoding/json"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

// RemoteTool adapts one catalog entry to the registry's Tool contract.
type RemoteTool struct {
	client  *Client
	catalog CatalogTool
}

// NewRemoteTool wraps a catalog entry.
func NewRemoteTool(client *Client, catalog CatalogTool) *RemoteTool {
	return &RemoteTool{client: client, catalog: catalog}
}

// Definition implements tools.Tool.
func (t *RemoteTool) Definition() models.ToolDefinition {
	return t.catalog.Definition()
}

// Execute implements tools.Tool.
func (t *RemoteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.client.CallTool(ctx, t.catalog.RemoteName, args)
}
