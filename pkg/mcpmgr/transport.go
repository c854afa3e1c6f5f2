package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// dialer opens and initializes one client session per endpoint.
type dialer struct {
	opts RegistryOptions
}

// connect returns an initialized client session for ep. Errors are tagged with
// the stage that failed.
func (d *dialer) connect(ctx context.Context, ep EndpointDescriptor) (*mcp.ClientSession, error) {
	if d.opts.Dial != nil {
		transport, err := d.opts.Dial(ctx, ep)
		if err != nil {
			return nil, &stageError{stage: StageOpen, err: err}
		}
		return d.attempt(ctx, ep, transport)
	}
	switch TransportOf(ep) {
	case TransportStdio:
		return d.attempt(ctx, ep, buildStdioTransport(ep))
	case TransportStreamable, TransportSSE:
		return d.connectHTTP(ctx, ep)
	default:
		return nil, &stageError{stage: StageOpen, err: fmt.Errorf("mcpmgr: endpoint %q has no url or command", ep.Name)}
	}
}

func (d *dialer) attempt(ctx context.Context, ep EndpointDescriptor, transport mcp.Transport) (*mcp.ClientSession, error) {
	impl := &mcp.Implementation{Name: d.opts.ClientName, Version: d.opts.ClientVersion}
	clientOpts := d.opts.ClientOptions
	client := mcp.NewClient(impl, &clientOpts)

	tracked := &stageTransport{delegate: transport}
	var wrapped mcp.Transport = tracked
	if logger := d.rpcLogger(); logger != nil {
		wrapped = &loggingTransport{endpoint: ep.Key(), delegate: tracked, logger: logger}
	}
	session, err := client.Connect(ctx, wrapped, nil)
	if err != nil {
		return nil, &stageError{stage: tracked.stage(err), err: err}
	}
	return session, nil
}

func (d *dialer) connectHTTP(ctx context.Context, ep EndpointDescriptor) (*mcp.ClientSession, error) {
	httpClient := decorateHTTPClient(nil, headersOf(ep.Headers))

	var streamErr error
	if TransportOf(ep) != TransportSSE {
		session, err := d.attempt(ctx, ep, &mcp.StreamableClientTransport{
			Endpoint:   ep.URL,
			HTTPClient: httpClient,
			MaxRetries: ep.MaxRetries,
		})
		if err == nil {
			return session, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		streamErr = err
	}
	session, err := d.attempt(ctx, ep, &mcp.SSEClientTransport{Endpoint: ep.URL, HTTPClient: httpClient})
	if err != nil {
		if streamErr != nil {
			return nil, &stageError{
				stage: stageOf(err, StageHandshake),
				err:   fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err),
			}
		}
		return nil, err
	}
	return session, nil
}

func (d *dialer) rpcLogger() RPCLogger {
	if d.opts.RPCLogger != nil {
		return d.opts.RPCLogger
	}
	if !d.opts.LogJSONRPC {
		return nil
	}
	logger := d.opts.Logger
	return func(ev RPCLogEvent) {
		logger.Log(context.Background(), LevelTrace, "jsonrpc", "endpoint", ev.Endpoint, "direction", string(ev.Direction), "message", string(ev.Message))
	}
}

func buildStdioTransport(ep EndpointDescriptor) mcp.Transport {
	cmd := exec.Command(ep.Command, ep.Args...)
	if len(ep.Env) > 0 {
		env := os.Environ()
		for k, v := range ep.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}
}

// stageTransport remembers whether the underlying connection opened so a
// failed client.Connect can be attributed to the open or handshake stage.
type stageTransport struct {
	delegate mcp.Transport
	opened   atomic.Bool
}

func (t *stageTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.opened.Store(true)
	return conn, nil
}

func (t *stageTransport) stage(err error) ConnectStage {
	if !t.opened.Load() {
		return StageOpen
	}
	// HTTP transports connect lazily, so refused dials surface on the first
	// request.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return StageOpen
	}
	return StageHandshake
}

type loggingTransport struct {
	endpoint string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{endpoint: t.endpoint, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	endpoint string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, Endpoint: c.endpoint})
}

// codeMethodNotFound is the JSON-RPC error code for an unknown method.
const codeMethodNotFound = -32601

// isMethodUnavailableError reports whether err says the server does not
// implement the list method. Such endpoints advertise an empty capability
// list. A JSON-RPC error code decides when the server sent one; otherwise the
// message must both refuse the call and name the method.
func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	if code, ok := rpcErrorCode(err); ok {
		return code == codeMethodNotFound
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	method = strings.ToLower(method)
	if strings.Contains(lower, method) {
		return true
	}
	for _, part := range strings.FieldsFunc(method, func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// rpcErrorCode returns the code of the first JSON-RPC error in err's chain.
// The SDK's wire error type is internal, but it encodes to the wire shape.
func rpcErrorCode(err error) (int64, bool) {
	for ; err != nil; err = errors.Unwrap(err) {
		data, mErr := json.Marshal(err)
		if mErr != nil {
			continue
		}
		var wire struct {
			Code    *int64  `json:"code"`
			Message *string `json:"message"`
		}
		if json.Unmarshal(data, &wire) == nil && wire.Code != nil && wire.Message != nil {
			return *wire.Code, true
		}
	}
	return 0, false
}

// isClosedError reports whether err only says the connection was already
// shut down.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "closed") || strings.Contains(lower, "eof")
}

func headersOf(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func decorateHTTPClient(base *http.Client, headers http.Header) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: headers,
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(d.headers) > 0 {
		req = req.Clone(req.Context())
		for k, values := range d.headers {
			req.Header.Del(k)
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
