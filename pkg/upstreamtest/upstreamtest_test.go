package upstreamtest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestHandlerKeepsSessionsAcrossCalls(t *testing.T) {
	t.Parallel()

	up := NewNetwork().Add("http-upstream").AddEchoTool("lookup")
	// Resolve the handler per request, the way a wrapping test server does.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "upstreamtest-test", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "lookup" {
		t.Fatalf("tools = %#v", tools.Tools)
	}
	if up.Handler() != up.Handler() {
		t.Fatalf("Handler returned a fresh handler")
	}
}
