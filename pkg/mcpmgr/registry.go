package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// Registry owns one Session per configured endpoint. Sessions are created once
// by ConnectAll; afterwards the session set and the routing table are read
// without locks.
type Registry struct {
	opts      RegistryOptions
	endpoints []EndpointDescriptor

	connectOnce sync.Once
	report      *StartupReport

	sessions []*Session
	byKey    map[string]*Session
	table    atomic.Pointer[RoutingTable]

	closeOnce sync.Once
	closeErr  error
}

// StartupReport summarizes which endpoints joined the routing table.
type StartupReport struct {
	Ready  []string
	Failed []*EndpointConnectError
}

// Degraded reports whether at least one endpoint failed to connect.
func (r *StartupReport) Degraded() bool { return r != nil && len(r.Failed) > 0 }

// NewRegistry validates endpoints and returns an unconnected registry. The
// primary endpoint is always ordered first; remotes keep configuration order.
func NewRegistry(endpoints []EndpointDescriptor, opts *RegistryOptions) (*Registry, error) {
	if err := ValidateEndpoints(endpoints); err != nil {
		return nil, err
	}
	ordered := make([]EndpointDescriptor, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.IsPrimary() {
			ordered = append(ordered, ep)
		}
	}
	for _, ep := range endpoints {
		if !ep.IsPrimary() {
			ordered = append(ordered, ep)
		}
	}
	r := &Registry{
		opts:      opts.withDefaults(),
		endpoints: ordered,
		byKey:     make(map[string]*Session, len(ordered)),
	}
	r.sessions = make([]*Session, len(ordered))
	for i, ep := range ordered {
		s := newSession(ep)
		r.sessions[i] = s
		r.byKey[s.Key] = s
	}
	r.table.Store(emptyRoutingTable())
	return r, nil
}

// ConnectAll connects every endpoint independently, waits for all attempts to
// resolve and publishes the routing table. A failing endpoint never aborts the
// others. Subsequent calls return the first report.
func (r *Registry) ConnectAll(ctx context.Context) *StartupReport {
	r.connectOnce.Do(func() {
		r.report = r.connectAll(ctx)
	})
	return r.report
}

func (r *Registry) connectAll(ctx context.Context) *StartupReport {
	d := &dialer{opts: r.opts}
	var g errgroup.Group
	if r.opts.ConnectConcurrency > 0 {
		g.SetLimit(r.opts.ConnectConcurrency)
	}
	for _, s := range r.sessions {
		g.Go(func() error {
			r.connectOne(ctx, d, s)
			return nil
		})
	}
	_ = g.Wait()

	report := &StartupReport{}
	for _, s := range r.sessions {
		if s.Ready() {
			report.Ready = append(report.Ready, s.Key)
			continue
		}
		report.Failed = append(report.Failed, s.err)
	}
	table := BuildRoutingTable(r.sessions)
	r.table.Store(table)
	r.opts.Logger.Info("mcpmgr: routing table published",
		"ready", len(report.Ready),
		"failed", len(report.Failed),
		"routes", table.Len(),
	)
	return report
}

func (r *Registry) connectOne(ctx context.Context, d *dialer, s *Session) {
	timeout := s.Endpoint.Timeout
	if timeout <= 0 {
		timeout = r.opts.ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := r.opts.Logger.With("endpoint", s.Key, "url", identity(s.Endpoint))
	handle, err := d.connect(ctx, s.Endpoint)
	if err != nil {
		s.markFailed(stageOf(err, StageHandshake), err)
		logger.Warn("mcpmgr: endpoint excluded from routing", "stage", string(s.err.Stage), "error", err)
		return
	}
	if err := discover(ctx, handle, s); err != nil {
		_ = handle.Close()
		s.markFailed(StageDiscovery, err)
		logger.Warn("mcpmgr: endpoint excluded from routing", "stage", string(StageDiscovery), "error", err)
		return
	}
	s.markReady(handle)
	logger.Debug("mcpmgr: endpoint ready",
		"tools", len(s.Tools),
		"prompts", len(s.Prompts),
		"resources", len(s.Resources),
		"resource_templates", len(s.ResourceTemplates),
	)
}

// discover fills the session's capability lists. List methods the server does
// not implement yield empty lists.
func discover(ctx context.Context, cs *mcp.ClientSession, s *Session) error {
	var c Catalog
	var err error
	if c.Tools, err = listTools(ctx, cs); err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if c.Prompts, err = listPrompts(ctx, cs); err != nil {
		return fmt.Errorf("prompts/list: %w", err)
	}
	if c.Resources, err = listResources(ctx, cs); err != nil {
		return fmt.Errorf("resources/list: %w", err)
	}
	if c.ResourceTemplates, err = listResourceTemplates(ctx, cs); err != nil {
		return fmt.Errorf("resources/templates/list: %w", err)
	}
	s.setCatalog(c)
	return nil
}

func listTools(ctx context.Context, cs *mcp.ClientSession) ([]*mcp.Tool, error) {
	var out []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := cs.ListTools(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return nil, nil
			}
			return nil, err
		}
		for _, t := range res.Tools {
			if t != nil {
				out = append(out, t)
			}
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func listPrompts(ctx context.Context, cs *mcp.ClientSession) ([]*mcp.Prompt, error) {
	var out []*mcp.Prompt
	params := &mcp.ListPromptsParams{}
	for {
		res, err := cs.ListPrompts(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "prompts/list") {
				return nil, nil
			}
			return nil, err
		}
		for _, p := range res.Prompts {
			if p != nil {
				out = append(out, p)
			}
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
	}
}

func listResources(ctx context.Context, cs *mcp.ClientSession) ([]*mcp.Resource, error) {
	var out []*mcp.Resource
	params := &mcp.ListResourcesParams{}
	for {
		res, err := cs.ListResources(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "resources/list") {
				return nil, nil
			}
			return nil, err
		}
		for _, r := range res.Resources {
			if r != nil {
				out = append(out, r)
			}
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
	}
}

func listResourceTemplates(ctx context.Context, cs *mcp.ClientSession) ([]*mcp.ResourceTemplate, error) {
	var out []*mcp.ResourceTemplate
	params := &mcp.ListResourceTemplatesParams{}
	for {
		res, err := cs.ListResourceTemplates(ctx, params)
		if err != nil {
			if isMethodUnavailableError(err, "resources/templates/list") {
				return nil, nil
			}
			return nil, err
		}
		for _, t := range res.ResourceTemplates {
			if t != nil {
				out = append(out, t)
			}
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListResourceTemplatesParams{Cursor: res.NextCursor}
	}
}

// RoutedCatalog returns the definitions the routing table actually routes
// to: for a name offered by several sessions only the winning session's
// definition is included. Entries follow registration order.
func (r *Registry) RoutedCatalog() Catalog {
	var out Catalog
	for _, route := range r.Table().Routes() {
		s, ok := r.byKey[route.Session]
		if !ok {
			continue
		}
		switch route.Kind {
		case RouteTool:
			if t := s.Catalog.tool(route.Name); t != nil {
				out.Tools = append(out.Tools, t)
			}
		case RoutePrompt:
			if p := s.Catalog.prompt(route.Name); p != nil {
				out.Prompts = append(out.Prompts, p)
			}
		case RouteResource:
			if res := s.Catalog.resource(route.Name); res != nil {
				out.Resources = append(out.Resources, res)
			}
		case RouteResourceTemplate:
			if t := s.Catalog.template(route.Name); t != nil {
				out.ResourceTemplates = append(out.ResourceTemplates, t)
			}
		}
	}
	return out
}

// Table returns the published routing table. Before ConnectAll completes the
// table is empty and every name falls back to the primary.
func (r *Registry) Table() *RoutingTable { return r.table.Load() }

// Session returns the session registered under key.
func (r *Registry) Session(key string) (*Session, bool) {
	s, ok := r.byKey[key]
	return s, ok
}

// Primary returns the primary endpoint's session.
func (r *Registry) Primary() *Session { return r.byKey[PrimaryKey] }

// Sessions returns all sessions, primary first, then remotes in configuration
// order.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Report returns the startup report, or nil before ConnectAll has run.
func (r *Registry) Report() *StartupReport { return r.report }

// Close closes every Ready session. Connections that are already gone are not
// reported as errors.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		for _, s := range r.sessions {
			if !s.Ready() || s.handle == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := s.handle.Close(); err != nil && !isClosedError(err) {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Key, err))
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}
