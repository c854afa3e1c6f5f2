package mcpmgr

import (
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionState represents the lifecycle of one endpoint connection. Ready and
// Failed are terminal.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateReady
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// ConnectStage names the step at which an endpoint failed to connect.
type ConnectStage string

const (
	StageOpen      ConnectStage = "open"
	StageHandshake ConnectStage = "handshake"
	StageDiscovery ConnectStage = "discovery"
)

// EndpointConnectError reports why one endpoint was excluded from routing. It
// never propagates past the registry.
type EndpointConnectError struct {
	Endpoint EndpointDescriptor
	Stage    ConnectStage
	Err      error
}

func (e *EndpointConnectError) Error() string {
	return fmt.Sprintf("mcpmgr: endpoint %q (%s) failed during %s: %v", e.Endpoint.Name, identity(e.Endpoint), e.Stage, e.Err)
}

func (e *EndpointConnectError) Unwrap() error { return e.Err }

// Session is one connection to one endpoint plus the capability names
// discovered on it. Sessions are created by the Registry during ConnectAll and
// are not mutated once they reach a terminal state.
type Session struct {
	Endpoint EndpointDescriptor
	Key      string

	state  SessionState
	err    *EndpointConnectError
	handle *mcp.ClientSession

	Tools             []string
	Prompts           []string
	Resources         []string
	ResourceTemplates []string

	// Catalog keeps the full definitions behind the names above.
	Catalog Catalog
}

// Catalog holds the capability definitions discovered on an endpoint.
type Catalog struct {
	Tools             []*mcp.Tool
	Prompts           []*mcp.Prompt
	Resources         []*mcp.Resource
	ResourceTemplates []*mcp.ResourceTemplate
}

func (c Catalog) tool(name string) *mcp.Tool {
	for _, t := range c.Tools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (c Catalog) prompt(name string) *mcp.Prompt {
	for _, p := range c.Prompts {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (c Catalog) resource(uri string) *mcp.Resource {
	for _, r := range c.Resources {
		if r.URI == uri {
			return r
		}
	}
	return nil
}

func (c Catalog) template(uriTemplate string) *mcp.ResourceTemplate {
	for _, t := range c.ResourceTemplates {
		if t.URITemplate == uriTemplate {
			return t
		}
	}
	return nil
}

func (s *Session) setCatalog(c Catalog) {
	s.Catalog = c
	s.Tools = s.Tools[:0]
	for _, t := range c.Tools {
		s.Tools = append(s.Tools, t.Name)
	}
	s.Prompts = s.Prompts[:0]
	for _, p := range c.Prompts {
		s.Prompts = append(s.Prompts, p.Name)
	}
	s.Resources = s.Resources[:0]
	for _, r := range c.Resources {
		s.Resources = append(s.Resources, r.URI)
	}
	s.ResourceTemplates = s.ResourceTemplates[:0]
	for _, t := range c.ResourceTemplates {
		s.ResourceTemplates = append(s.ResourceTemplates, t.URITemplate)
	}
}

func newSession(ep EndpointDescriptor) *Session {
	return &Session{Endpoint: ep, Key: ep.Key(), state: StateConnecting}
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Ready reports whether the session completed handshake and discovery.
func (s *Session) Ready() bool { return s.state == StateReady }

// Err returns the connect failure for a Failed session, or nil.
func (s *Session) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// Handle exposes the underlying client session. It is nil unless the session
// is Ready.
func (s *Session) Handle() *mcp.ClientSession { return s.handle }

func (s *Session) markReady(handle *mcp.ClientSession) {
	s.handle = handle
	s.state = StateReady
}

func (s *Session) markFailed(stage ConnectStage, err error) {
	s.handle = nil
	s.state = StateFailed
	s.err = &EndpointConnectError{Endpoint: s.Endpoint, Stage: stage, Err: err}
}

// stageError tags an error with the connect stage it happened in so the
// registry can report it after client.Connect returns.
type stageError struct {
	stage ConnectStage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error, fallback ConnectStage) ConnectStage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return fallback
}
