package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/drbenjamin/benbox-mcp/pkg/invoker"
	"github.com/drbenjamin/benbox-mcp/pkg/mcpmgr"
)

// Invoker is what the gateway needs from *invoker.Invoker.
type Invoker interface {
	Invoke(ctx context.Context, req invoker.Request, timeout time.Duration) (*invoker.Result, error)
	Routes() []mcpmgr.Route
	Catalog() mcpmgr.Catalog
	Endpoints() []invoker.EndpointStatus
	Report() *mcpmgr.StartupReport
}

// Gateway fronts an Invoker with a JSON API and a Streamable MCP mirror.
type Gateway struct {
	inv  Invoker
	opts Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway over inv. The MCP mirror is populated from the
// invoker's routed catalog, so inv should have finished connecting.
func NewGateway(inv Invoker, opts *Options) (*Gateway, error) {
	if inv == nil {
		return nil, fmt.Errorf("mcpgateway: invoker is required")
	}
	options := opts.withDefaults()
	g := &Gateway{inv: inv, opts: options}

	if !options.DisableMCP {
		catalog := inv.Catalog()
		g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
			HasTools:     len(catalog.Tools) > 0,
			HasPrompts:   len(catalog.Prompts) > 0,
			HasResources: len(catalog.Resources)+len(catalog.ResourceTemplates) > 0,
		})
		g.mirror(catalog)
		g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return g.server
		}, &options.Streamable)
	}
	g.httpHandler = g.mountHandler()
	return g, nil
}

// Handler exposes the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// MCPServer returns the mirrored MCP server, or nil when the mirror is
// disabled.
func (g *Gateway) MCPServer() *mcp.Server {
	return g.server
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("mcpgateway: listening", "addr", g.opts.Addr, "mcp", !g.opts.DisableMCP)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) mountHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if c := g.corsHandler(); c != nil {
		r.Use(c.Handler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tools/{name}", g.handleTool)
		r.Post("/resources", g.handleResource)
		r.Post("/prompts/{name}", g.handlePrompt)
		r.Get("/routes", g.handleRoutes)
		r.Get("/endpoints", g.handleEndpoints)
	})
	r.Get("/healthz", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))

	if g.streamHandler != nil {
		path := g.opts.Path
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		path = strings.TrimSuffix(path, "/")
		r.Handle(path, g.streamHandler)
		r.Handle(path+"/*", g.streamHandler)
	}
	return r
}

func (g *Gateway) corsHandler() *cors.Cors {
	if len(g.opts.AllowedOrigins) == 0 {
		return nil
	}
	o := cors.Options{
		AllowedOrigins:   g.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders:   []string{"Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           600,
	}
	if len(o.AllowedOrigins) == 1 && o.AllowedOrigins[0] == "*" {
		o.AllowCredentials = false
	}
	return cors.New(o)
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
