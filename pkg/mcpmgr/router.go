package mcpmgr

import (
	"github.com/yosida95/uritemplate/v3"
)

// RouteKind identifies which capability list a route came from.
type RouteKind string

const (
	RouteTool             RouteKind = "tool"
	RoutePrompt           RouteKind = "prompt"
	RouteResource         RouteKind = "resource"
	RouteResourceTemplate RouteKind = "resource_template"
)

// Route is one entry of the routing table.
type Route struct {
	Name    string    `json:"name"`
	Kind    RouteKind `json:"kind"`
	Session string    `json:"session"`
}

type templateRoute struct {
	raw     string
	tmpl    *uritemplate.Template
	session string
}

// RoutingTable maps operation names to session keys. It is built once from
// the Ready sessions and never mutated; a rebuild publishes a new table.
//
// Collisions are resolved first-registered-wins: sessions are visited primary
// first, then remotes in configuration order, and a name already present is
// never overwritten. Tools, prompts, resource URIs and resource templates
// share one namespace.
type RoutingTable struct {
	entries   map[string]string
	order     []Route
	templates []templateRoute
}

func emptyRoutingTable() *RoutingTable {
	return &RoutingTable{entries: map[string]string{}}
}

// BuildRoutingTable derives the routing table from sessions, which must be in
// connection order. Sessions that are not Ready contribute nothing.
func BuildRoutingTable(sessions []*Session) *RoutingTable {
	t := emptyRoutingTable()
	for _, s := range sessions {
		if s == nil || !s.Ready() {
			continue
		}
		for _, name := range s.Tools {
			t.insert(name, RouteTool, s.Key)
		}
		for _, name := range s.Prompts {
			t.insert(name, RoutePrompt, s.Key)
		}
		for _, uri := range s.Resources {
			t.insert(uri, RouteResource, s.Key)
		}
		for _, raw := range s.ResourceTemplates {
			if !t.insert(raw, RouteResourceTemplate, s.Key) {
				continue
			}
			tmpl, err := uritemplate.New(raw)
			if err != nil {
				continue
			}
			t.templates = append(t.templates, templateRoute{raw: raw, tmpl: tmpl, session: s.Key})
		}
	}
	return t
}

func (t *RoutingTable) insert(name string, kind RouteKind, key string) bool {
	if name == "" {
		return false
	}
	if _, exists := t.entries[name]; exists {
		return false
	}
	t.entries[name] = key
	t.order = append(t.order, Route{Name: name, Kind: kind, Session: key})
	return true
}

// Lookup returns the session key registered for name.
func (t *RoutingTable) Lookup(name string) (string, bool) {
	key, ok := t.entries[name]
	return key, ok
}

// Resolve returns the session key registered for name, or PrimaryKey when the
// name is unknown. Falling back is not an error; the primary may still reject
// the call.
func (t *RoutingTable) Resolve(name string) string {
	if key, ok := t.entries[name]; ok {
		return key
	}
	return PrimaryKey
}

// ResolveResource routes a resource URI. An exact URI or template match wins;
// otherwise the URI is matched against registered templates in registration
// order. The matching template is returned alongside the session key.
func (t *RoutingTable) ResolveResource(uri string) (key, template string) {
	if key, ok := t.entries[uri]; ok {
		for _, tr := range t.templates {
			if tr.raw == uri {
				return key, uri
			}
		}
		return key, ""
	}
	for _, tr := range t.templates {
		if tr.tmpl.Match(uri) != nil {
			return tr.session, tr.raw
		}
	}
	return PrimaryKey, ""
}

// IsTemplate reports whether name was registered as a resource template.
func (t *RoutingTable) IsTemplate(name string) bool {
	for _, tr := range t.templates {
		if tr.raw == name {
			return true
		}
	}
	return false
}

// Routes returns the table's entries in registration order.
func (t *RoutingTable) Routes() []Route {
	out := make([]Route, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of registered names.
func (t *RoutingTable) Len() int { return len(t.entries) }
