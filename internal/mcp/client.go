package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

const protocolVersion = "2025-03-26"

// CatalogTool is one tool advertised by an MCP server, post-filter.
type CatalogTool struct {
	// Name is the registry name: mcp:<provider>:<tool>.
	Name string

	// RemoteName is the server-side tool name.
	RemoteName string

	Provider    string
	Description string
	InputSchema json.RawMessage

	// ReadOnly mirrors the server's readOnlyHint annotation; tools
	// without it register as mutating.
	ReadOnly bool
}

// Definition renders the catalog entry as a registry definition.
func (t *CatalogTool) Definition() models.ToolDefinition {
	classification := models.ClassMutating
	if t.ReadOnly {
		classification = models.ClassReadOnly
	}
	params := t.InputSchema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	return models.ToolDefinition{
		Name:           t.Name,
		Description:    t.Description,
		Parameters:     params,
		Classification: classification,
		SandboxPref:    models.SandboxForbid,
	}
}

// transport abstracts the two MCP wire transports.
type transport interface {
	roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error)
	close() error
}

// Client talks to one MCP server and exposes its filtered catalog.
type Client struct {
	provider  string
	rules     *RuleSet
	transport transport
	logger    *observability.Logger
}

// NewStdioClient launches command and speaks JSON-RPC over its pipes.
func NewStdioClient(ctx context.Context, provider, command string, args []string, rules *RuleSet, logger *observability.Logger) (*Client, error) {
	if logger == nil {
		logger = observability.Discard()
	}
	tr, err := newStdioTransport(ctx, command, args)
	if err != nil {
		return nil, err
	}
	c := &Client{provider: provider, rules: rules, transport: tr, logger: logger}
	if err := c.initialize(ctx); err != nil {
		tr.close()
		return nil, err
	}
	return c, nil
}

// NewHTTPClient speaks streamable-HTTP JSON-RPC against url.
func NewHTTPClient(ctx context.Context, provider, url string, rules *RuleSet, logger *observability.Logger) (*Client, error) {
	if logger == nil {
		logger = observability.Discard()
	}
	c := &Client{
		provider:  provider,
		rules:     rules,
		transport: &httpTransport{url: url, client: &http.Client{Timeout: 2 * time.Minute}},
		logger:    logger,
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) initialize(ctx context.Context) error {
	_, err := c.transport.roundTrip(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "vtcode", "version": "1"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return err
	}
	// The initialized notification has no response.
	_, _ = c.transport.roundTrip(ctx, "notifications/initialized", map[string]any{})
	return nil
}

// ListTools fetches the catalog, applying the tools rule-set.
func (c *Client) ListTools(ctx context.Context) ([]CatalogTool, error) {
	raw, err := c.transport.roundTrip(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
			Annotations struct {
				ReadOnlyHint bool `json:"readOnlyHint"`
			} `json:"annotations"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, vterror.Wrap(vterror.KindProvider, "decode tools/list", err)
	}

	out := make([]CatalogTool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if c.rules != nil && !c.rules.Allows(CapTools, tool.Name) {
			c.logger.Debug(ctx, "mcp tool filtered by rule-set", "provider", c.provider, "tool", tool.Name)
			continue
		}
		out = append(out, CatalogTool{
			Name:        fmt.Sprintf("mcp:%s:%s", c.provider, tool.Name),
			RemoteName:  tool.Name,
			Provider:    c.provider,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			ReadOnly:    tool.Annotations.ReadOnlyHint,
		})
	}
	return out, nil
}

// CallTool invokes a remote tool and returns its text content.
func (c *Client) CallTool(ctx context.Context, remoteName string, args json.RawMessage) (string, error) {
	var parsedArgs any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsedArgs); err != nil {
			return "", vterror.Wrap(vterror.KindValidation, "mcp tool arguments", err)
		}
	}
	raw, err := c.transport.roundTrip(ctx, "tools/call", map[string]any{
		"name":      remoteName,
		"arguments": parsedArgs,
	})
	if err != nil {
		return "", err
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", vterror.Wrap(vterror.KindProvider, "decode tools/call", err)
	}
	var b bytes.Buffer
	for _, item := range result.Content {
		if item.Type == "text" {
			b.WriteString(item.Text)
		}
	}
	if result.IsError {
		return "", vterror.New(vterror.KindTool, b.String())
	}
	return b.String(), nil
}

// Close shuts the transport down.
func (c *Client) Close() error {
	return c.transport.close()
}

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu     sync.Mutex
	nextID atomic.Int64
}

func newStdioTransport(ctx context.Context, command string, args []string) (*stdioTransport, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, vterror.Wrap(vterror.KindTool, "mcp stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, vterror.Wrap(vterror.KindTool, "mcp stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, vterror.Wrap(vterror.KindTool, "mcp server start", err)
	}
	return &stdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

func (t *stdioTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	notification := isNotification(method)
	var id int64
	if !notification {
		id = t.nextID.Add(1)
		req.ID = &id
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, vterror.Wrap(vterror.KindInternal, "encode rpc request", err)
	}
	if _, err := t.stdin.Write(append(payload, '\n')); err != nil {
		return nil, vterror.Wrap(vterror.KindNetwork, "mcp write", err).WithRetryable()
	}
	if notification {
		return nil, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, vterror.Wrap(vterror.KindCancelled, "mcp call cancelled", err)
		}
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			return nil, vterror.Wrap(vterror.KindNetwork, "mcp read", err).WithRetryable()
		}
		var resp rpcResponse
		if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
			// Skip server-initiated notifications interleaved with the
			// response.
			continue
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, vterror.Newf(vterror.KindTool, "mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (t *stdioTransport) close() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}

type httpTransport struct {
	url    string
	client *http.Client
	nextID atomic.Int64
}

func (t *httpTransport) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	notification := isNotification(method)
	if !notification {
		id := t.nextID.Add(1)
		req.ID = &id
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, vterror.Wrap(vterror.KindInternal, "encode rpc request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, vterror.Wrap(vterror.KindInternal, "build rpc request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, vterror.Wrap(vterror.KindNetwork, "mcp http", err).WithRetryable()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, vterror.Newf(vterror.KindNetwork, "mcp http %d: %s", resp.StatusCode, msg)
	}
	if notification {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vterror.Wrap(vterror.KindNetwork, "mcp http read", err)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(bytes.TrimSpace(body), &parsed); err != nil {
		return nil, vterror.Wrap(vterror.KindProvider, "decode rpc response", err)
	}
	if parsed.Error != nil {
		return nil, vterror.Newf(vterror.KindTool, "mcp error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	return parsed.Result, nil
}

func (t *httpTransport) close() error { return nil }

func isNotification(method string) bool {
	return bytes.HasPrefix([]byte(method), []byte("notifications/"))
}
