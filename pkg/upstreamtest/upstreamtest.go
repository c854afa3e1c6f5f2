// Package upstreamtest runs real go-sdk MCP servers in memory so packages
// that consume MCP endpoints can be tested without a network.
//
// A Network maps endpoint URLs to fake servers. Network.Dial has the shape
// of a transport factory: hand it to the consumer in place of a real dialer.
// Servers can be told to fail at open, handshake or discovery.
package upstreamtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrNoUpstream is returned by Dial for URLs nobody registered.
var ErrNoUpstream = errors.New("upstreamtest: no upstream at url")

// Network is a set of fake endpoints addressed by URL.
type Network struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{servers: make(map[string]*Server)}
}

// Add registers a fake server at url, replacing any previous one.
func (n *Network) Add(url string) *Server {
	s := newServer(url)
	n.mu.Lock()
	n.servers[url] = s
	n.mu.Unlock()
	return s
}

// Server returns the fake registered at url.
func (n *Network) Server(url string) *Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.servers[url]
}

// Dial connects to the fake at url over in-memory transports.
func (n *Network) Dial(ctx context.Context, url string) (mcp.Transport, error) {
	s := n.Server(url)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoUpstream, url)
	}
	s.mu.Lock()
	openErr, rejectHandshake := s.openErr, s.rejectHandshake
	s.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	if rejectHandshake {
		return rejectingTransport{}, nil
	}
	serverT, clientT := mcp.NewInMemoryTransports()
	if _, err := s.server.Connect(ctx, serverT, nil); err != nil {
		return nil, err
	}
	return clientT, nil
}

// Server is one fake upstream endpoint.
type Server struct {
	URL string

	server *mcp.Server

	handlerOnce sync.Once
	handler     http.Handler

	mu              sync.Mutex
	openErr         error
	rejectHandshake bool
	discoveryErr    error
	unhandled       map[string]bool
	calls           map[string]int
}

func newServer(url string) *Server {
	s := &Server{
		URL:    url,
		server: mcp.NewServer(&mcp.Implementation{Name: "upstreamtest", Version: "0.0.1"}, nil),
		calls:  make(map[string]int),
	}
	s.server.AddReceivingMiddleware(s.discoveryMiddleware)
	return s
}

// MCP exposes the underlying server for registrations the helpers do not
// cover.
func (s *Server) MCP() *mcp.Server { return s.server }

// Handler serves the fake over Streamable HTTP. Every call returns the same
// handler, so sessions survive across requests.
func (s *Server) Handler() http.Handler {
	s.handlerOnce.Do(func() {
		s.handler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
	})
	return s.handler
}

// FailOpen makes Dial return err.
func (s *Server) FailOpen(err error) *Server {
	s.mu.Lock()
	s.openErr = err
	s.mu.Unlock()
	return s
}

// FailHandshake makes the connection drop before initialization completes.
func (s *Server) FailHandshake() *Server {
	s.mu.Lock()
	s.rejectHandshake = true
	s.mu.Unlock()
	return s
}

// FailDiscovery makes tools/list answer with an internal error.
func (s *Server) FailDiscovery() *Server {
	return s.FailDiscoveryWith(errors.New("upstreamtest: discovery exploded"))
}

// FailDiscoveryWith makes tools/list answer with err.
func (s *Server) FailDiscoveryWith(err error) *Server {
	s.mu.Lock()
	s.discoveryErr = err
	s.mu.Unlock()
	return s
}

// Unhandled makes the server answer method with a JSON-RPC method-not-found
// error, as servers that do not implement it do.
func (s *Server) Unhandled(method string) *Server {
	s.mu.Lock()
	if s.unhandled == nil {
		s.unhandled = make(map[string]bool)
	}
	s.unhandled[method] = true
	s.mu.Unlock()
	return s
}

// Calls returns how many times tool name was invoked.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *Server) discoveryMiddleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		s.mu.Lock()
		discoveryErr, unhandled := s.discoveryErr, s.unhandled[method]
		s.mu.Unlock()
		if unhandled {
			// No handler is registered under this name, so the SDK replies
			// with method-not-found.
			return next(ctx, "upstreamtest/unhandled/"+method, req)
		}
		if discoveryErr != nil && method == "tools/list" {
			return nil, discoveryErr
		}
		return next(ctx, method, req)
	}
}

// ToolFunc handles a tool call with decoded arguments.
type ToolFunc func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// AddTool registers a tool served by fn.
func (s *Server) AddTool(name string, fn ToolFunc) *Server {
	tool := &mcp.Tool{
		Name:        name,
		Description: "upstreamtest tool " + name,
		InputSchema: &jsonschema.Schema{Type: "object"},
	}
	s.server.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.mu.Lock()
		s.calls[name]++
		s.mu.Unlock()
		args, err := decodeArgs(req)
		if err != nil {
			return nil, err
		}
		return fn(ctx, args)
	})
	return s
}

// AddTextTool registers a tool that answers with one text block produced by
// fn. A non-nil error becomes an IsError result carrying its message.
func (s *Server) AddTextTool(name string, fn func(args map[string]any) (string, error)) *Server {
	return s.AddTool(name, func(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		text, err := fn(args)
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		return TextResult(text), nil
	})
}

// AddEchoTool registers a tool answering "<name>@<url>" so tests can tell
// which endpoint served a call.
func (s *Server) AddEchoTool(names ...string) *Server {
	for _, name := range names {
		reply := name + "@" + s.URL
		s.AddTextTool(name, func(map[string]any) (string, error) { return reply, nil })
	}
	return s
}

// Gate controls a tool that blocks until released.
type Gate struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	relOnce sync.Once
}

// Started is closed when the first call enters the tool.
func (g *Gate) Started() <-chan struct{} { return g.started }

// Release lets every pending and future call complete.
func (g *Gate) Release() { g.relOnce.Do(func() { close(g.release) }) }

// AddGatedTool registers a tool that blocks until the returned gate is
// released or the call context ends.
func (s *Server) AddGatedTool(name string) *Gate {
	g := &Gate{started: make(chan struct{}), release: make(chan struct{})}
	s.AddTool(name, func(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
			return TextResult("released"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return g
}

// AddPrompt registers a prompt whose single message has the given role and
// text. Arguments are substituted for "{name}" placeholders.
func (s *Server) AddPrompt(name string, role mcp.Role, text string) *Server {
	s.server.AddPrompt(&mcp.Prompt{Name: name}, func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		out := text
		if req.Params != nil {
			for k, v := range req.Params.Arguments {
				out = strings.ReplaceAll(out, "{"+k+"}", v)
			}
		}
		return &mcp.GetPromptResult{
			Messages: []*mcp.PromptMessage{{Role: role, Content: &mcp.TextContent{Text: out}}},
		}, nil
	})
	return s
}

// AddTextResource registers a static resource with text contents.
func (s *Server) AddTextResource(uri, mimeType, text string) *Server {
	s.server.AddResource(&mcp.Resource{URI: uri, Name: uri, MIMEType: mimeType}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: mimeType, Text: text}},
		}, nil
	})
	return s
}

// AddBlobResource registers a static resource with binary contents.
func (s *Server) AddBlobResource(uri, mimeType string, blob []byte) *Server {
	s.server.AddResource(&mcp.Resource{URI: uri, Name: uri, MIMEType: mimeType}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: mimeType, Blob: blob}},
		}, nil
	})
	return s
}

// AddResourceTemplate registers a templated resource. fn receives the
// concrete URI and returns its text.
func (s *Server) AddResourceTemplate(uriTemplate string, fn func(uri string) string) *Server {
	s.server.AddResourceTemplate(&mcp.ResourceTemplate{URITemplate: uriTemplate, Name: uriTemplate}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: fn(req.Params.URI)}},
		}, nil
	})
	return s
}

// TextResult wraps text in a single-block tool result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func decodeArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	args := map[string]any{}
	if req == nil || req.Params == nil || req.Params.Arguments == nil {
		return args, nil
	}
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("upstreamtest: decode arguments: %w", err)
	}
	return args, nil
}

// rejectingTransport opens a connection that is gone before the
// initialize exchange can complete.
type rejectingTransport struct{}

func (rejectingTransport) Connect(context.Context) (mcp.Connection, error) {
	return &rejectingConn{}, nil
}

type rejectingConn struct{}

func (*rejectingConn) Read(context.Context) (jsonrpc.Message, error) { return nil, io.EOF }

func (*rejectingConn) Write(context.Context, jsonrpc.Message) error {
	return errors.New("upstreamtest: handshake rejected")
}

func (*rejectingConn) Close() error      { return nil }
func (*rejectingConn) SessionID() string { return "" }
