// Package invoker is the synchronous facade over a set of MCP endpoints.
//
// An Invoker resolves each request through the routing table, runs the
// upstream call on the bridge, and reduces the response to a Result. Every
// failure comes back as an *InvocationError; nothing panics and nothing is
// retried.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cast"
	"github.com/yosida95/uritemplate/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/drbenjamin/benbox-mcp/pkg/bridge"
	"github.com/drbenjamin/benbox-mcp/pkg/mcpmgr"
)

// DefaultTimeout applies when a call passes a timeout of zero or less.
const DefaultTimeout = 30 * time.Second

// RequestKind selects the upstream verb.
type RequestKind int

const (
	RequestTool RequestKind = iota + 1
	RequestResource
	RequestPrompt
)

func (k RequestKind) String() string {
	switch k {
	case RequestTool:
		return "tool"
	case RequestResource:
		return "resource"
	case RequestPrompt:
		return "prompt"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// ParseRequestKind accepts "tool", "resource" or "prompt".
func ParseRequestKind(s string) (RequestKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tool":
		return RequestTool, nil
	case "resource":
		return RequestResource, nil
	case "prompt":
		return RequestPrompt, nil
	}
	return 0, fmt.Errorf("invoker: unknown request kind %q", s)
}

// Request is a typed invocation. For resources Name is a URI or a URI
// template.
type Request struct {
	Kind   RequestKind
	Name   string
	Params map[string]any
}

// Options configures an Invoker.
type Options struct {
	// DefaultTimeout replaces non-positive per-call timeouts. Defaults to
	// DefaultTimeout.
	DefaultTimeout time.Duration
	// CancelOnTimeout cancels upstream calls whose caller timed out. Only used
	// when Start builds the bridge.
	CancelOnTimeout bool
	// Registry configures the registry built by Start.
	Registry *mcpmgr.RegistryOptions
	// Metrics records invocation counters. Nil disables metrics.
	Metrics *Metrics
	// Tracer creates one span per invocation. Defaults to the global
	// OpenTelemetry provider.
	Tracer trace.Tracer
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer()
	}
	return opts
}

// Invoker is safe for concurrent use.
type Invoker struct {
	opts     Options
	logger   *slog.Logger
	bridge   *bridge.Bridge
	registry *mcpmgr.Registry

	closeOnce sync.Once
	closeErr  error
}

// Start builds a bridge and a registry for endpoints, connects every
// endpoint on the bridge and returns the facade with the startup report.
// Endpoint failures do not fail Start; they show up in the report.
func Start(ctx context.Context, endpoints []mcpmgr.EndpointDescriptor, opts *Options) (*Invoker, *mcpmgr.StartupReport, error) {
	o := opts.withDefaults()
	var regOpts mcpmgr.RegistryOptions
	if o.Registry != nil {
		regOpts = *o.Registry
	}
	if regOpts.Logger == nil {
		regOpts.Logger = o.Logger
	}
	reg, err := mcpmgr.NewRegistry(endpoints, &regOpts)
	if err != nil {
		return nil, nil, err
	}
	b := bridge.New(&bridge.Options{Logger: o.Logger, CancelOnTimeout: o.CancelOnTimeout})
	report, err := bridge.Do(ctx, b, 0, func(workCtx context.Context) (*mcpmgr.StartupReport, error) {
		connectCtx, cancel := context.WithCancel(workCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return reg.ConnectAll(connectCtx), nil
	})
	if err != nil {
		// The canceled ConnectAll returns promptly; close what it managed to
		// connect once it has.
		_ = b.Close(context.Background())
		if closeErr := reg.Close(context.Background()); closeErr != nil {
			o.Logger.Warn("invoker: close after failed startup", "error", closeErr)
		}
		return nil, nil, fmt.Errorf("invoker: startup: %w", err)
	}
	inv := New(b, reg, opts)
	inv.opts.Metrics.observeStartup(report)
	if report.Degraded() {
		failed := make([]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			failed = append(failed, f.Endpoint.Key())
		}
		inv.logger.Warn("invoker: running in degraded mode", "ready", report.Ready, "failed", failed)
	} else {
		inv.logger.Info("invoker: all endpoints ready", "ready", report.Ready)
	}
	return inv, report, nil
}

// New wraps an existing bridge and a connected registry.
func New(b *bridge.Bridge, r *mcpmgr.Registry, opts *Options) *Invoker {
	o := opts.withDefaults()
	return &Invoker{opts: o, logger: o.Logger, bridge: b, registry: r}
}

// CallTool invokes tool name with params.
func (i *Invoker) CallTool(ctx context.Context, name string, params map[string]any, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &InvocationError{Kind: KindInvalid, Op: RequestTool, Err: errors.New("empty tool name")}
	}
	key := i.registry.Table().Resolve(name)
	args := params
	if args == nil {
		args = map[string]any{}
	}
	return i.invoke(ctx, RequestTool, name, key, timeout, func(ctx context.Context, cs *mcp.ClientSession) (Response, error) {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			return nil, err
		}
		return ToolResponse{Result: res}, nil
	})
}

// ReadResource reads a resource. uriOrTemplate is either a concrete URI or a
// URI template; templates are expanded with params first.
func (i *Invoker) ReadResource(ctx context.Context, uriOrTemplate string, params map[string]any, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(uriOrTemplate) == "" {
		return nil, &InvocationError{Kind: KindInvalid, Op: RequestResource, Err: errors.New("empty resource uri")}
	}
	table := i.registry.Table()
	uri := uriOrTemplate
	var key string
	if table.IsTemplate(uriOrTemplate) || strings.Contains(uriOrTemplate, "{") {
		expanded, err := expandTemplate(uriOrTemplate, params)
		if err != nil {
			return nil, &InvocationError{Kind: KindInvalid, Op: RequestResource, Name: uriOrTemplate, Err: err}
		}
		uri = expanded
		if k, ok := table.Lookup(uriOrTemplate); ok {
			key = k
		} else {
			key, _ = table.ResolveResource(expanded)
		}
	} else {
		key, _ = table.ResolveResource(uri)
	}
	return i.invoke(ctx, RequestResource, uri, key, timeout, func(ctx context.Context, cs *mcp.ClientSession) (Response, error) {
		res, err := cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
		if err != nil {
			return nil, err
		}
		return ResourceResponse{Result: res}, nil
	})
}

// GetPrompt retrieves prompt name. Params are converted to the string
// arguments prompts take.
func (i *Invoker) GetPrompt(ctx context.Context, name string, params map[string]any, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &InvocationError{Kind: KindInvalid, Op: RequestPrompt, Err: errors.New("empty prompt name")}
	}
	args, err := promptArguments(params)
	if err != nil {
		return nil, &InvocationError{Kind: KindInvalid, Op: RequestPrompt, Name: name, Err: err}
	}
	key := i.registry.Table().Resolve(name)
	return i.invoke(ctx, RequestPrompt, name, key, timeout, func(ctx context.Context, cs *mcp.ClientSession) (Response, error) {
		res, err := cs.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
		if err != nil {
			return nil, err
		}
		return PromptResponse{Result: res}, nil
	})
}

// Invoke dispatches req by kind.
func (i *Invoker) Invoke(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	switch req.Kind {
	case RequestTool:
		return i.CallTool(ctx, req.Name, req.Params, timeout)
	case RequestResource:
		return i.ReadResource(ctx, req.Name, req.Params, timeout)
	case RequestPrompt:
		return i.GetPrompt(ctx, req.Name, req.Params, timeout)
	default:
		return nil, &InvocationError{Kind: KindInvalid, Op: req.Kind, Name: req.Name, Err: fmt.Errorf("unknown request kind %d", int(req.Kind))}
	}
}

type upstreamCall func(ctx context.Context, cs *mcp.ClientSession) (Response, error)

func (i *Invoker) invoke(ctx context.Context, kind RequestKind, name, key string, timeout time.Duration, call upstreamCall) (*Result, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, i.opts.Tracer, kind, name)
	res, err := i.dispatch(ctx, kind, name, key, timeout, call)
	endSpan(span, key, err)
	i.opts.Metrics.observeInvocation(kind, key, err, time.Since(start))
	return res, err
}

func (i *Invoker) dispatch(ctx context.Context, kind RequestKind, name, key string, timeout time.Duration, call upstreamCall) (*Result, error) {
	if i.bridge.Closed() {
		return nil, &InvocationError{Kind: KindClosed, Op: kind, Name: name, Session: key}
	}
	s, ok := i.registry.Session(key)
	if !ok || !s.Ready() {
		return nil, &InvocationError{Kind: KindUnavailable, Op: kind, Name: name, Session: key,
			Err: fmt.Errorf("session %q is not connected", key)}
	}
	if timeout <= 0 {
		timeout = i.opts.DefaultTimeout
	}
	handle := s.Handle()
	f, err := i.bridge.Submit(func(ctx context.Context) (any, error) {
		return call(ctx, handle)
	})
	if err != nil {
		return nil, &InvocationError{Kind: classify(ctx, err), Op: kind, Name: name, Session: key, Err: err}
	}
	logger := i.logger.With("kind", kind.String(), "name", name, "session", key, "invocation_id", f.ID())
	v, err := f.Wait(ctx, timeout)
	if err != nil {
		ie := &InvocationError{Kind: classify(ctx, err), Op: kind, Name: name, Session: key, Err: err}
		logger.Debug("invoker: call failed", "error_kind", ie.Kind.String(), "error", err)
		return nil, ie
	}
	resp, _ := v.(Response)
	res, err := Normalize(resp)
	if err != nil {
		ie := annotate(err, kind, name, key)
		if ie.Kind == KindNormalization {
			logger.Error("invoker: could not normalize response", "error", err)
		}
		return nil, ie
	}
	res.Session = key
	decodeBinary(res)
	if res.LowConfidence {
		logger.Debug("invoker: response stringified")
	}
	return res, nil
}

func expandTemplate(raw string, params map[string]any) (string, error) {
	tmpl, err := uritemplate.New(raw)
	if err != nil {
		return "", fmt.Errorf("parse uri template %q: %w", raw, err)
	}
	values := uritemplate.Values{}
	for _, name := range tmpl.Varnames() {
		v, ok := params[name]
		if !ok || v == nil {
			return "", fmt.Errorf("uri template %q: missing parameter %q", raw, name)
		}
		switch list := v.(type) {
		case []string:
			values.Set(name, uritemplate.List(list...))
		case []any:
			values.Set(name, uritemplate.List(cast.ToStringSlice(list)...))
		default:
			s, err := cast.ToStringE(v)
			if err != nil {
				return "", fmt.Errorf("uri template %q: parameter %q: %w", raw, name, err)
			}
			values.Set(name, uritemplate.String(s))
		}
	}
	return tmpl.Expand(values)
}

func promptArguments(params map[string]any) (map[string]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if v == nil {
			out[k] = ""
			continue
		}
		if s, err := cast.ToStringE(v); err == nil {
			out[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("prompt argument %q: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

// Routes returns the routing table entries in registration order.
func (i *Invoker) Routes() []mcpmgr.Route { return i.registry.Table().Routes() }

// Catalog returns the definitions of every routed capability.
func (i *Invoker) Catalog() mcpmgr.Catalog { return i.registry.RoutedCatalog() }

// Report returns the startup report.
func (i *Invoker) Report() *mcpmgr.StartupReport { return i.registry.Report() }

// EndpointStatus describes one configured endpoint for diagnostics.
type EndpointStatus struct {
	Key               string   `json:"key"`
	Name              string   `json:"name"`
	URL               string   `json:"url,omitempty"`
	Role              string   `json:"role"`
	State             string   `json:"state"`
	Stage             string   `json:"stage,omitempty"`
	Error             string   `json:"error,omitempty"`
	Tools             []string `json:"tools,omitempty"`
	Prompts           []string `json:"prompts,omitempty"`
	Resources         []string `json:"resources,omitempty"`
	ResourceTemplates []string `json:"resource_templates,omitempty"`
}

// Endpoints reports every endpoint, primary first.
func (i *Invoker) Endpoints() []EndpointStatus {
	sessions := i.registry.Sessions()
	out := make([]EndpointStatus, 0, len(sessions))
	for _, s := range sessions {
		st := EndpointStatus{
			Key:               s.Key,
			Name:              s.Endpoint.Name,
			URL:               s.Endpoint.URL,
			Role:              string(s.Endpoint.Role),
			State:             s.State().String(),
			Tools:             s.Tools,
			Prompts:           s.Prompts,
			Resources:         s.Resources,
			ResourceTemplates: s.ResourceTemplates,
		}
		var ce *mcpmgr.EndpointConnectError
		if errors.As(s.Err(), &ce) {
			st.Stage = string(ce.Stage)
			st.Error = ce.Err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Close closes every session on the bridge and then stops the bridge. Calls
// still in flight fail with KindClosed.
func (i *Invoker) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.closeErr = i.bridge.Shutdown(ctx, func(ctx context.Context) (any, error) {
			return nil, i.registry.Close(ctx)
		})
		if i.closeErr != nil {
			i.logger.Warn("invoker: close", "error", i.closeErr)
		}
	})
	return i.closeErr
}
