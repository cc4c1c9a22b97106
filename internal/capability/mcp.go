package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/callflow/pkg/schema"
)

// MCP transport names accepted by DialMCP.
const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
)

// MCPProvider exposes the tools of one MCP server as capabilities.
type MCPProvider struct {
	namespace string
	client    *client.Client
	tools     []string
}

// DialMCP connects to a remote MCP server and lists its tools.
func DialMCP(ctx context.Context, namespace, kind, url string, headers map[string]string) (*MCPProvider, error) {
	var (
		c   *client.Client
		err error
	)
	switch kind {
	case TransportSSE:
		c, err = client.NewSSEMCPClient(url, client.WithHeaders(headers))
	case "", TransportStreamable:
		c, err = client.NewStreamableHttpClient(url, transport.WithHTTPHeaders(headers))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown mcp transport %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp client %s: %w", url, err)
	}
	return NewMCPProvider(ctx, namespace, c)
}

// NewMCPProvider starts and initializes c, then discovers its tools.
func NewMCPProvider(ctx context.Context, namespace string, c *client.Client) (*MCPProvider, error) {
	if err := c.Start(ctx); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "mcp %s: start", namespace).WithCause(err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "callflow", Version: "1"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "mcp %s: initialize", namespace).WithCause(err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "mcp %s: list tools", namespace).WithCause(err)
	}

	p := &MCPProvider{namespace: namespace, client: c}
	for _, t := range list.Tools {
		p.tools = append(p.tools, t.Name)
	}
	return p, nil
}

func (p *MCPProvider) Namespace() string { return p.namespace }

// Tools returns the discovered tool names.
func (p *MCPProvider) Tools() []string { return p.tools }

func (p *MCPProvider) Capabilities() map[string]Capability {
	caps := make(map[string]Capability, len(p.tools))
	for _, name := range p.tools {
		caps[name] = p.tool(name)
	}
	return caps
}

// Close releases the underlying client.
func (p *MCPProvider) Close() error { return p.client.Close() }

func (p *MCPProvider) tool(name string) Capability {
	return Func(func(ctx context.Context, args map[string]any) (any, error) {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		res, err := p.client.CallTool(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.IsError {
			// Tool-level failures carry their reason as text; the auth marker may be in it.
			return nil, fmt.Errorf("tool %s: %s", name, contentText(res.Content))
		}
		if res.StructuredContent != nil {
			return res.StructuredContent, nil
		}
		if len(res.Content) == 1 {
			return res.Content[0], nil
		}
		return res.Content, nil
	})
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
