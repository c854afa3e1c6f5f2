package invoker

import (
	"context"
	"errors"
	"fmt"

	"github.com/drbenjamin/benbox-mcp/pkg/bridge"
)

// ErrorKind classifies invocation failures.
type ErrorKind int

const (
	KindUpstream ErrorKind = iota + 1
	KindTimeout
	KindNormalization
	KindUnavailable
	KindClosed
	KindInvalid
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindNormalization:
		return "normalization"
	case KindUnavailable:
		return "unavailable"
	case KindClosed:
		return "closed"
	case KindInvalid:
		return "invalid"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels matched by errors.Is against an *InvocationError of the same kind.
var (
	ErrUpstream       = errors.New("invoker: upstream error")
	ErrTimeout        = errors.New("invoker: timeout")
	ErrNormalization  = errors.New("invoker: unrecognized response shape")
	ErrUnavailable    = errors.New("invoker: session unavailable")
	ErrClosed         = errors.New("invoker: closed")
	ErrInvalidRequest = errors.New("invoker: invalid request")
	ErrCanceled       = errors.New("invoker: canceled")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUpstream:
		return ErrUpstream
	case KindTimeout:
		return ErrTimeout
	case KindNormalization:
		return ErrNormalization
	case KindUnavailable:
		return ErrUnavailable
	case KindClosed:
		return ErrClosed
	case KindInvalid:
		return ErrInvalidRequest
	case KindCanceled:
		return ErrCanceled
	}
	return nil
}

// InvocationError is the error every Invoker method returns. For upstream
// failures Err carries the endpoint's message unchanged.
type InvocationError struct {
	Kind    ErrorKind
	Op      RequestKind
	Name    string
	Session string
	Err     error
}

func (e *InvocationError) Error() string {
	target := e.Op.String()
	if e.Name != "" {
		target += fmt.Sprintf(" %q", e.Name)
	}
	if e.Session != "" {
		target += " on " + e.Session
	}
	if e.Err == nil {
		return fmt.Sprintf("invoker: %s: %s", target, e.Kind)
	}
	return fmt.Sprintf("invoker: %s: %s: %v", target, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of an *InvocationError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}

func newError(kind ErrorKind, err error) *InvocationError {
	return &InvocationError{Kind: kind, Err: err}
}

// annotate fills in request details on an error produced below the facade.
func annotate(err error, op RequestKind, name, session string) *InvocationError {
	var ie *InvocationError
	if !errors.As(err, &ie) {
		ie = newError(KindUpstream, err)
	}
	out := *ie
	out.Op, out.Name, out.Session = op, name, session
	return &out
}

// classify maps an error from the bridge or the MCP session to a kind.
// callerCtx distinguishes a caller giving up from the work failing.
func classify(callerCtx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return KindTimeout
	case errors.Is(err, bridge.ErrClosed):
		return KindClosed
	case callerCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case callerCtx.Err() != nil && errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUpstream
	}
}
