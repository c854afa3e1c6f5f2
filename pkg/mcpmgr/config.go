package mcpmgr

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Role marks an endpoint as the default routing target or as one of the
// additional remotes.
type Role string

const (
	RolePrimary Role = "primary"
	RoleRemote  Role = "remote"
)

// PrimaryKey is the session key of the primary endpoint. Remote sessions are
// keyed by their endpoint name.
const PrimaryKey = "primary"

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Endpoint  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// EndpointDescriptor describes one upstream MCP endpoint. Descriptors are
// supplied once at startup and never change afterwards; the URL is the
// endpoint's identity.
type EndpointDescriptor struct {
	Name string
	URL  string
	Role Role

	// Headers are added to every outbound HTTP request for HTTP transports.
	Headers map[string]string
	// PreferSSE forces (true) or forbids (false) the legacy SSE transport.
	// When nil, endpoints whose URL ends in "/sse" use SSE.
	PreferSSE *bool
	// MaxRetries is passed to the Streamable HTTP transport.
	MaxRetries int

	// Command launches a stdio endpoint instead of dialing URL.
	Command string
	Args    []string
	Env     map[string]string

	// Timeout bounds the connect, handshake and discovery phase. Zero uses
	// RegistryOptions.ConnectTimeout.
	Timeout time.Duration
}

// IsPrimary reports whether the descriptor is the primary endpoint.
func (d EndpointDescriptor) IsPrimary() bool { return d.Role == RolePrimary }

// Key returns the session key the routing table uses for this endpoint.
func (d EndpointDescriptor) Key() string {
	if d.IsPrimary() {
		return PrimaryKey
	}
	return d.Name
}

// DialFunc builds the transport used to reach an endpoint. The registry calls
// it once per endpoint during ConnectAll.
type DialFunc func(ctx context.Context, endpoint EndpointDescriptor) (mcp.Transport, error)

// RegistryOptions configures a Registry instance.
type RegistryOptions struct {
	// ClientName is advertised during initialization. Defaults to "benbox".
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// ConnectTimeout is applied whenever a descriptor omits an explicit
	// timeout.
	ConnectTimeout time.Duration
	// ConnectConcurrency bounds how many endpoints are dialed at once.
	// Zero dials all of them in parallel.
	ConnectConcurrency int
	// ClientOptions are passed to every mcp.Client the registry creates.
	ClientOptions mcp.ClientOptions
	// LogJSONRPC toggles logging of JSON-RPC traffic through Logger at trace
	// level.
	LogJSONRPC bool
	// RPCLogger receives JSON-RPC traffic; it takes precedence over
	// LogJSONRPC.
	RPCLogger RPCLogger
	// Dial overrides transport construction. Tests use it to connect to
	// in-memory servers.
	Dial DialFunc
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *RegistryOptions) withDefaults() RegistryOptions {
	if o == nil {
		o = &RegistryOptions{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "benbox"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
