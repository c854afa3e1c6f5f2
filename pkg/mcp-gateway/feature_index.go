package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/drbenjamin/benbox-mcp/pkg/invoker"
	"github.com/drbenjamin/benbox-mcp/pkg/mcpmgr"
)

const (
	metaKeySession = "benbox.session"
	metaKeyLowConf = "benbox.low_confidence"
)

// mirror registers every routed capability on the gateway's MCP server. Names
// and URIs are exposed unchanged; each handler forwards through the Invoker,
// so routing, timeouts and error kinds match the JSON API.
func (g *Gateway) mirror(catalog mcpmgr.Catalog) {
	routes := g.inv.Routes()
	owner := make(map[string]string, len(routes))
	for _, r := range routes {
		owner[r.Name] = r.Session
	}
	for _, t := range catalog.Tools {
		g.server.AddTool(cloneTool(t, owner[t.Name]), g.makeToolHandler(t.Name))
	}
	for _, p := range catalog.Prompts {
		g.server.AddPrompt(clonePrompt(p, owner[p.Name]), g.makePromptHandler(p.Name))
	}
	for _, r := range catalog.Resources {
		g.server.AddResource(cloneResource(r, owner[r.URI]), g.makeResourceHandler())
	}
	for _, t := range catalog.ResourceTemplates {
		g.server.AddResourceTemplate(cloneResourceTemplate(t, owner[t.URITemplate]), g.makeResourceHandler())
	}
	g.opts.Logger.Debug("mcpgateway: mirrored catalog",
		"tools", len(catalog.Tools),
		"prompts", len(catalog.Prompts),
		"resources", len(catalog.Resources),
		"resource_templates", len(catalog.ResourceTemplates),
	)
}

// makeToolHandler reports upstream failures as IsError results so MCP
// clients see the tool's message; other failures become protocol errors.
func (g *Gateway) makeToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params map[string]any
		if req != nil && req.Params != nil {
			var err error
			if params, err = decodeArguments(req.Params.Arguments); err != nil {
				return nil, err
			}
		}
		res, err := g.inv.Invoke(ctx, invoker.Request{Kind: invoker.RequestTool, Name: name, Params: params}, g.opts.CallTimeout)
		if err != nil {
			if invoker.KindOf(err) == invoker.KindUpstream {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: upstreamMessage(err)}},
				}, nil
			}
			return nil, err
		}
		return toolResult(name, res), nil
	}
}

func (g *Gateway) makePromptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		params := map[string]any{}
		if req != nil && req.Params != nil {
			for k, v := range req.Params.Arguments {
				params[k] = v
			}
		}
		res, err := g.inv.Invoke(ctx, invoker.Request{Kind: invoker.RequestPrompt, Name: name, Params: params}, g.opts.CallTimeout)
		if err != nil {
			return nil, err
		}
		return &mcp.GetPromptResult{
			Meta:     resultMeta(res),
			Messages: []*mcp.PromptMessage{{Role: "user", Content: promptContent(name, res)}},
		}, nil
	}
}

// makeResourceHandler serves both static resources and templates: the
// concrete URI in the request is routed by the Invoker either way.
func (g *Gateway) makeResourceHandler() mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if req == nil || req.Params == nil {
			return nil, fmt.Errorf("mcpgateway: missing read params")
		}
		uri := req.Params.URI
		res, err := g.inv.Invoke(ctx, invoker.Request{Kind: invoker.RequestResource, Name: uri}, g.opts.CallTimeout)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Meta:     resultMeta(res),
			Contents: []*mcp.ResourceContents{resourceContents(uri, res)},
		}, nil
	}
}

func toolResult(name string, res *invoker.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{Meta: resultMeta(res)}
	switch p := res.Payload.(type) {
	case invoker.Text:
		out.Content = []mcp.Content{&mcp.TextContent{Text: string(p)}}
	case invoker.Binary:
		out.Content = []mcp.Content{binaryContent("benbox://tools/"+name, res.MIMEType, p)}
	case invoker.Structured:
		out.StructuredContent = map[string]any(p)
		out.Content = []mcp.Content{&mcp.TextContent{Text: res.Text()}}
	}
	return out
}

func promptContent(name string, res *invoker.Result) mcp.Content {
	if b, ok := res.Bytes(); ok {
		return binaryContent("benbox://prompts/"+name, res.MIMEType, b)
	}
	return &mcp.TextContent{Text: res.Text()}
}

func binaryContent(uri, mimeType string, data []byte) mcp.Content {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &mcp.ImageContent{Data: data, MIMEType: mimeType}
	case strings.HasPrefix(mimeType, "audio/"):
		return &mcp.AudioContent{Data: data, MIMEType: mimeType}
	default:
		return &mcp.EmbeddedResource{Resource: &mcp.ResourceContents{URI: uri, MIMEType: mimeType, Blob: data}}
	}
}

func resourceContents(uri string, res *invoker.Result) *mcp.ResourceContents {
	rc := &mcp.ResourceContents{URI: uri, MIMEType: res.MIMEType}
	switch p := res.Payload.(type) {
	case invoker.Binary:
		rc.Blob = []byte(p)
	case invoker.Structured:
		rc.Text = res.Text()
		if rc.MIMEType == "" {
			rc.MIMEType = "application/json"
		}
	default:
		rc.Text = res.Text()
	}
	return rc
}

func resultMeta(res *invoker.Result) mcp.Meta {
	meta := mcp.Meta{metaKeySession: res.Session}
	if res.LowConfidence {
		meta[metaKeyLowConf] = true
	}
	return meta
}

// upstreamMessage is the endpoint's own message without the invoker's
// request prefix.
func upstreamMessage(err error) string {
	var ie *invoker.InvocationError
	if errors.As(err, &ie) && ie.Err != nil {
		return ie.Err.Error()
	}
	return err.Error()
}

func decodeArguments(raw any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: encode arguments: %w", err)
	}
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("mcpgateway: arguments must be an object: %w", err)
	}
	return out, nil
}

func cloneTool(tool *mcp.Tool, session string) *mcp.Tool {
	clone := *tool
	if clone.InputSchema == nil {
		clone.InputSchema = &jsonschema.Schema{Type: "object"}
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{metaKeySession: session})
	return &clone
}

func clonePrompt(prompt *mcp.Prompt, session string) *mcp.Prompt {
	clone := *prompt
	clone.Meta = withMeta(prompt.Meta, map[string]any{metaKeySession: session})
	return &clone
}

func cloneResource(resource *mcp.Resource, session string) *mcp.Resource {
	clone := *resource
	clone.Meta = withMeta(resource.Meta, map[string]any{metaKeySession: session})
	return &clone
}

func cloneResourceTemplate(tpl *mcp.ResourceTemplate, session string) *mcp.ResourceTemplate {
	clone := *tpl
	clone.Meta = withMeta(tpl.Meta, map[string]any{metaKeySession: session})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
