package mcpmgr

import (
	"reflect"
	"testing"
)

func readySession(key string, role Role, tools ...string) *Session {
	s := newSession(EndpointDescriptor{Name: key, URL: "mem://" + key, Role: role})
	s.Tools = tools
	s.markReady(nil)
	return s
}

func TestRoutingTableFirstRegisteredWins(t *testing.T) {
	t.Parallel()

	primary := readySession("main", RolePrimary, "lookup", "a")
	remote := readySession("docs", RoleRemote, "lookup", "b")

	table := BuildRoutingTable([]*Session{primary, remote})
	if got := table.Resolve("lookup"); got != PrimaryKey {
		t.Fatalf("Resolve(lookup) = %q, want %q", got, PrimaryKey)
	}
	if got := table.Resolve("b"); got != "docs" {
		t.Fatalf("Resolve(b) = %q, want docs", got)
	}

	// Same sessions, same order: the result never depends on when each
	// session finished discovery.
	for i := 0; i < 20; i++ {
		again := BuildRoutingTable([]*Session{primary, remote})
		if !reflect.DeepEqual(again.Routes(), table.Routes()) {
			t.Fatalf("routing table not deterministic:\n%v\n%v", again.Routes(), table.Routes())
		}
	}
}

func TestRoutingTableRemoteOrder(t *testing.T) {
	t.Parallel()

	first := readySession("first", RoleRemote, "shared")
	second := readySession("second", RoleRemote, "shared")
	primary := readySession("main", RolePrimary)

	table := BuildRoutingTable([]*Session{primary, first, second})
	if got := table.Resolve("shared"); got != "first" {
		t.Fatalf("Resolve(shared) = %q, want first", got)
	}
}

func TestRoutingTableFallbackToPrimary(t *testing.T) {
	t.Parallel()

	table := BuildRoutingTable([]*Session{readySession("main", RolePrimary, "a")})
	if got := table.Resolve("unknown"); got != PrimaryKey {
		t.Fatalf("Resolve(unknown) = %q, want primary", got)
	}
	if _, ok := table.Lookup("unknown"); ok {
		t.Fatalf("Lookup(unknown) should report a miss")
	}
	if key, ok := table.Lookup("a"); !ok || key != PrimaryKey {
		t.Fatalf("Lookup(a) = %q, %v", key, ok)
	}
}

func TestRoutingTableSkipsFailedSessions(t *testing.T) {
	t.Parallel()

	primary := readySession("main", RolePrimary, "a")
	failed := newSession(EndpointDescriptor{Name: "down", URL: "mem://down", Role: RoleRemote})
	failed.Tools = []string{"b"}
	failed.markFailed(StageHandshake, errBoom)

	table := BuildRoutingTable([]*Session{primary, failed})
	want := []Route{{Name: "a", Kind: RouteTool, Session: PrimaryKey}}
	if got := table.Routes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Routes() = %v, want %v", got, want)
	}
}

func TestRoutingTableResources(t *testing.T) {
	t.Parallel()

	primary := readySession("main", RolePrimary)
	primary.Resources = []string{"static://X"}
	remote := readySession("docs", RoleRemote)
	remote.ResourceTemplates = []string{"templated://{param}"}
	remote.Prompts = []string{"greet"}

	table := BuildRoutingTable([]*Session{primary, remote})

	if key, tmpl := table.ResolveResource("static://X"); key != PrimaryKey || tmpl != "" {
		t.Fatalf("ResolveResource(static) = %q, %q", key, tmpl)
	}
	if key, tmpl := table.ResolveResource("templated://Y"); key != "docs" || tmpl != "templated://{param}" {
		t.Fatalf("ResolveResource(concrete) = %q, %q", key, tmpl)
	}
	if key, tmpl := table.ResolveResource("templated://{param}"); key != "docs" || tmpl != "templated://{param}" {
		t.Fatalf("ResolveResource(template) = %q, %q", key, tmpl)
	}
	if key, _ := table.ResolveResource("other://Z"); key != PrimaryKey {
		t.Fatalf("ResolveResource(unknown) = %q, want primary", key)
	}
	if !table.IsTemplate("templated://{param}") || table.IsTemplate("static://X") {
		t.Fatalf("IsTemplate mismatch")
	}
	if got := table.Resolve("greet"); got != "docs" {
		t.Fatalf("Resolve(greet) = %q, want docs", got)
	}
}
