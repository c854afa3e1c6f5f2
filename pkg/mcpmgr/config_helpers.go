package mcpmgr

import (
	"errors"
	"fmt"
	"strings"
)

// Lightweight helpers for inspecting EndpointDescriptor values without
// forcing consumers to repeat the transport selection rules.

// ConfigTransport identifies the transport family used to reach an endpoint.
type ConfigTransport string

const (
	TransportStdio      ConfigTransport = "stdio"
	TransportStreamable ConfigTransport = "streamable"
	TransportSSE        ConfigTransport = "sse"
)

// TransportOf returns the transport the registry will dial for d. Returns an
// empty string when the descriptor has neither a command nor a URL.
func TransportOf(d EndpointDescriptor) ConfigTransport {
	switch {
	case d.Command != "":
		return TransportStdio
	case strings.TrimSpace(d.URL) == "":
		return ""
	case d.PreferSSE != nil:
		if *d.PreferSSE {
			return TransportSSE
		}
		return TransportStreamable
	case strings.HasSuffix(strings.TrimSpace(d.URL), "/sse"):
		return TransportSSE
	default:
		return TransportStreamable
	}
}

// IsStdio reports whether d launches a local process.
func IsStdio(d EndpointDescriptor) bool { return TransportOf(d) == TransportStdio }

// IsHTTP reports whether d is reached over Streamable HTTP or SSE.
func IsHTTP(d EndpointDescriptor) bool {
	t := TransportOf(d)
	return t == TransportStreamable || t == TransportSSE
}

// identity returns the descriptor's identity: its URL, or a synthetic
// "stdio:" URL for command endpoints without one.
func identity(d EndpointDescriptor) string {
	if d.URL != "" {
		return d.URL
	}
	if d.Command != "" {
		return "stdio:" + d.Command
	}
	return ""
}

// ValidateEndpoints checks the startup configuration: at least one endpoint,
// exactly one primary, unique names and identities, and a dialable target for
// every entry.
func ValidateEndpoints(endpoints []EndpointDescriptor) error {
	if len(endpoints) == 0 {
		return errors.New("mcpmgr: no endpoints configured")
	}
	var errs []error
	primaries := 0
	names := make(map[string]struct{}, len(endpoints))
	ids := make(map[string]struct{}, len(endpoints))
	for i, ep := range endpoints {
		label := ep.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		switch ep.Role {
		case RolePrimary:
			primaries++
		case RoleRemote:
			if ep.Name == "" {
				errs = append(errs, fmt.Errorf("mcpmgr: remote endpoint %s needs a name", label))
			}
			if ep.Name == PrimaryKey {
				errs = append(errs, fmt.Errorf("mcpmgr: remote endpoint may not be named %q", PrimaryKey))
			}
		default:
			errs = append(errs, fmt.Errorf("mcpmgr: endpoint %s has unknown role %q", label, ep.Role))
		}
		if TransportOf(ep) == "" {
			errs = append(errs, fmt.Errorf("mcpmgr: endpoint %s needs a url or command", label))
		}
		if ep.Name != "" {
			if _, dup := names[ep.Name]; dup {
				errs = append(errs, fmt.Errorf("mcpmgr: duplicate endpoint name %q", ep.Name))
			}
			names[ep.Name] = struct{}{}
		}
		if id := identity(ep); id != "" {
			if _, dup := ids[id]; dup {
				errs = append(errs, fmt.Errorf("mcpmgr: duplicate endpoint url %q", id))
			}
			ids[id] = struct{}{}
		}
	}
	if primaries != 1 {
		errs = append(errs, fmt.Errorf("mcpmgr: exactly one primary endpoint required, got %d", primaries))
	}
	return errors.Join(errs...)
}
