package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drbenjamin/benbox-mcp/pkg/mcpmgr"
	"github.com/drbenjamin/benbox-mcp/pkg/upstreamtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startInvoker(t *testing.T, n *upstreamtest.Network, endpoints []mcpmgr.EndpointDescriptor, opts *Options) (*Invoker, *mcpmgr.StartupReport) {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = quietLogger()
	opts.Registry = &mcpmgr.RegistryOptions{
		ConnectTimeout: 5 * time.Second,
		Logger:         quietLogger(),
		Dial: func(ctx context.Context, ep mcpmgr.EndpointDescriptor) (mcp.Transport, error) {
			return n.Dial(ctx, ep.URL)
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	inv, report, err := Start(ctx, endpoints, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inv.Close(ctx)
	})
	return inv, report
}

func primaryOnly(url string) []mcpmgr.EndpointDescriptor {
	return []mcpmgr.EndpointDescriptor{{Name: "benbox", URL: url, Role: mcpmgr.RolePrimary}}
}

func TestCallToolOnPrimary(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddTextTool("review_code", func(args map[string]any) (string, error) {
		return fmt.Sprintf("reviewed %v", args["code"]), nil
	})
	inv, report := startInvoker(t, n, primaryOnly("mem://primary"), nil)
	if report.Degraded() {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}

	res, err := inv.CallTool(context.Background(), "review_code", map[string]any{"code": "x=1"}, 5*time.Second)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := res.Text(); got != "reviewed x=1" {
		t.Fatalf("payload = %q", got)
	}
	if res.Session != mcpmgr.PrimaryKey {
		t.Fatalf("served by %q", res.Session)
	}
}

func TestUnknownToolFallsBackToPrimary(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddEchoTool("a")
	n.Add("mem://remote").AddEchoTool("b").FailHandshake()
	endpoints := []mcpmgr.EndpointDescriptor{
		{Name: "benbox", URL: "mem://primary", Role: mcpmgr.RolePrimary},
		{Name: "remote", URL: "mem://remote", Role: mcpmgr.RoleRemote},
	}
	inv, report := startInvoker(t, n, endpoints, nil)

	if len(report.Failed) != 1 || report.Failed[0].Endpoint.Name != "remote" {
		t.Fatalf("failed endpoints = %v", report.Failed)
	}
	routes := inv.Routes()
	if len(routes) != 1 || routes[0].Name != "a" || routes[0].Session != mcpmgr.PrimaryKey {
		t.Fatalf("routes = %v, want only a -> primary", routes)
	}

	_, err := inv.CallTool(context.Background(), "b", map[string]any{}, 5*time.Second)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("CallTool(b) = %v, want upstream error", err)
	}
	var ie *InvocationError
	if !errors.As(err, &ie) || ie.Session != mcpmgr.PrimaryKey || ie.Op != RequestTool {
		t.Fatalf("error details = %#v", err)
	}
}

func TestCollidingToolPrefersPrimary(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddEchoTool("lookup")
	n.Add("mem://remote").AddEchoTool("lookup", "only_remote")
	endpoints := []mcpmgr.EndpointDescriptor{
		{Name: "benbox", URL: "mem://primary", Role: mcpmgr.RolePrimary},
		{Name: "remote", URL: "mem://remote", Role: mcpmgr.RoleRemote},
	}
	inv, _ := startInvoker(t, n, endpoints, nil)

	res, err := inv.CallTool(context.Background(), "lookup", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("CallTool(lookup): %v", err)
	}
	if res.Text() != "lookup@mem://primary" || res.Session != mcpmgr.PrimaryKey {
		t.Fatalf("lookup served by %q: %q", res.Session, res.Text())
	}
	res, err = inv.CallTool(context.Background(), "only_remote", nil, 5*time.Second)
	if err != nil || res.Session != "remote" {
		t.Fatalf("CallTool(only_remote) = %v, %v", res, err)
	}
}

func TestReadStaticAndTemplatedResources(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddTextResource("static://X", "text/plain", "static body")
	n.Add("mem://remote").AddResourceTemplate("templated://{param}", func(uri string) string {
		return "templated body for " + uri
	})
	endpoints := []mcpmgr.EndpointDescriptor{
		{Name: "benbox", URL: "mem://primary", Role: mcpmgr.RolePrimary},
		{Name: "remote", URL: "mem://remote", Role: mcpmgr.RoleRemote},
	}
	inv, _ := startInvoker(t, n, endpoints, nil)

	res, err := inv.ReadResource(context.Background(), "static://X", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("ReadResource(static): %v", err)
	}
	if res.Text() != "static body" || res.MIMEType != "text/plain" {
		t.Fatalf("static result = %#v", res)
	}

	res, err = inv.ReadResource(context.Background(), "templated://{param}", map[string]any{"param": "Y"}, 5*time.Second)
	if err != nil {
		t.Fatalf("ReadResource(template): %v", err)
	}
	if res.Text() != "templated body for templated://Y" || res.Session != "remote" {
		t.Fatalf("templated result = %#v", res)
	}

	res, err = inv.ReadResource(context.Background(), "templated://Z", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("ReadResource(concrete): %v", err)
	}
	if res.Session != "remote" || !strings.HasSuffix(res.Text(), "templated://Z") {
		t.Fatalf("concrete uri result = %#v", res)
	}

	if _, err := inv.ReadResource(context.Background(), "templated://{param}", nil, time.Second); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing template parameter = %v, want ErrInvalidRequest", err)
	}
}

func TestReadBinaryResource(t *testing.T) {
	t.Parallel()

	blob := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddBlobResource("bucket://logo.png", "image/png", blob)
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), nil)

	res, err := inv.ReadResource(context.Background(), "bucket://logo.png", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if b, ok := res.Bytes(); !ok || string(b) != string(blob) {
		t.Fatalf("binary payload = %#v", res.Payload)
	}
}

func TestGetPrompt(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").
		AddPrompt("greet", "assistant", "hi").
		AddPrompt("welcome", "assistant", "welcome {name}, you have {count} files")
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), nil)

	res, err := inv.GetPrompt(context.Background(), "greet", map[string]any{}, 5*time.Second)
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if got, ok := res.Payload.(Text); !ok || got != "hi" {
		t.Fatalf("payload = %#v, want Text(hi)", res.Payload)
	}

	res, err = inv.GetPrompt(context.Background(), "welcome", map[string]any{"name": "ada", "count": 3}, 5*time.Second)
	if err != nil {
		t.Fatalf("GetPrompt(welcome): %v", err)
	}
	if res.Text() != "welcome ada, you have 3 files" {
		t.Fatalf("payload = %q", res.Text())
	}
}

func TestInvokeDispatchesByKind(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddEchoTool("a").AddPrompt("greet", "assistant", "hi")
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), nil)

	res, err := inv.Invoke(context.Background(), Request{Kind: RequestTool, Name: "a"}, 0)
	if err != nil || res.Text() != "a@mem://primary" {
		t.Fatalf("Invoke(tool) = %v, %v", res, err)
	}
	res, err = inv.Invoke(context.Background(), Request{Kind: RequestPrompt, Name: "greet"}, 0)
	if err != nil || res.Text() != "hi" {
		t.Fatalf("Invoke(prompt) = %v, %v", res, err)
	}
	if _, err := inv.Invoke(context.Background(), Request{Kind: 99, Name: "x"}, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Invoke(unknown kind) = %v", err)
	}
	if _, err := inv.CallTool(context.Background(), " ", nil, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("CallTool(empty) = %v", err)
	}
}

func TestToolErrorResultIsUpstreamError(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddTextTool("review_code", func(map[string]any) (string, error) {
		return "", errors.New("code must not be empty")
	})
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), nil)

	_, err := inv.CallTool(context.Background(), "review_code", nil, 5*time.Second)
	if !errors.Is(err, ErrUpstream) || !strings.Contains(err.Error(), "code must not be empty") {
		t.Fatalf("CallTool = %v, want upstream error with tool message", err)
	}
}

func TestConcurrentCallsAcrossSessions(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddEchoTool("p1", "p2")
	n.Add("mem://docs").AddEchoTool("d1")
	n.Add("mem://search").AddEchoTool("s1")
	endpoints := []mcpmgr.EndpointDescriptor{
		{Name: "benbox", URL: "mem://primary", Role: mcpmgr.RolePrimary},
		{Name: "docs", URL: "mem://docs", Role: mcpmgr.RoleRemote},
		{Name: "search", URL: "mem://search", Role: mcpmgr.RoleRemote},
	}
	inv, _ := startInvoker(t, n, endpoints, nil)

	want := map[string]string{
		"p1":      "p1@mem://primary",
		"p2":      "p2@mem://primary",
		"d1":      "d1@mem://docs",
		"s1":      "s1@mem://search",
		"missing": "",
	}
	names := []string{"p1", "p2", "d1", "s1", "missing"}

	const calls = 60
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := inv.CallTool(context.Background(), name, map[string]any{"i": name}, 10*time.Second)
			if name == "missing" {
				if !errors.Is(err, ErrUpstream) {
					errs <- fmt.Errorf("%s: got %v, want upstream error", name, err)
				}
				return
			}
			if err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				return
			}
			if res.Text() != want[name] {
				errs <- fmt.Errorf("%s: got %q, want %q", name, res.Text(), want[name])
			}
		}(names[i%len(names)])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("concurrent calls deadlocked")
	}
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestTimeoutLeavesSessionUsable(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	up := n.Add("mem://primary").AddEchoTool("fast")
	gate := up.AddGatedTool("slow")
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), nil)
	t.Cleanup(gate.Release)

	_, err := inv.CallTool(context.Background(), "slow", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("CallTool(slow) = %v, want ErrTimeout", err)
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("KindOf = %v", KindOf(err))
	}

	res, err := inv.CallTool(context.Background(), "fast", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("follow-up call after timeout: %v", err)
	}
	if res.Text() != "fast@mem://primary" {
		t.Fatalf("follow-up payload = %q", res.Text())
	}

	// The timed-out call was not canceled; it is still parked upstream.
	select {
	case <-gate.Started():
	case <-time.After(5 * time.Second):
		t.Fatalf("slow tool never started")
	}
	gate.Release()
}

func TestCallerDeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	gate := n.Add("mem://primary").AddGatedTool("slow")
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), nil)
	t.Cleanup(gate.Release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := inv.CallTool(ctx, "slow", nil, time.Minute); !errors.Is(err, ErrTimeout) {
		t.Fatalf("CallTool with expiring context = %v, want ErrTimeout", err)
	}
}

func TestPrimaryDownIsUnavailable(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").FailOpen(errors.New("connection refused"))
	n.Add("mem://docs").AddEchoTool("docs_tool")
	endpoints := []mcpmgr.EndpointDescriptor{
		{Name: "benbox", URL: "mem://primary", Role: mcpmgr.RolePrimary},
		{Name: "docs", URL: "mem://docs", Role: mcpmgr.RoleRemote},
	}
	inv, report := startInvoker(t, n, endpoints, nil)
	if !report.Degraded() {
		t.Fatalf("expected degraded startup")
	}

	if res, err := inv.CallTool(context.Background(), "docs_tool", nil, 5*time.Second); err != nil || res.Session != "docs" {
		t.Fatalf("CallTool(docs_tool) = %v, %v", res, err)
	}
	if _, err := inv.CallTool(context.Background(), "unrouted", nil, 5*time.Second); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("CallTool(unrouted) = %v, want ErrUnavailable", err)
	}

	statuses := inv.Endpoints()
	if statuses[0].State != "failed" || statuses[0].Stage != "open" || statuses[1].State != "ready" {
		t.Fatalf("endpoint statuses = %+v", statuses)
	}
}

// closeRecorder notes whether the connection it hands out was closed.
type closeRecorder struct {
	mcp.Transport
	opened, closed *atomic.Bool
}

func (r closeRecorder) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := r.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	r.opened.Store(true)
	return recordedConn{Connection: conn, closed: r.closed}, nil
}

type recordedConn struct {
	mcp.Connection
	closed *atomic.Bool
}

func (c recordedConn) Close() error {
	c.closed.Store(true)
	return c.Connection.Close()
}

func TestStartHonorsCallerCancellation(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddEchoTool("lookup")
	var opened, closed atomic.Bool
	endpoints := []mcpmgr.EndpointDescriptor{
		{Name: "benbox", URL: "mem://primary", Role: mcpmgr.RolePrimary},
		{Name: "stuck", URL: "mem://stuck", Role: mcpmgr.RoleRemote},
	}
	opts := &Options{
		Logger: quietLogger(),
		Registry: &mcpmgr.RegistryOptions{
			ConnectTimeout: 10 * time.Second,
			Logger:         quietLogger(),
			Dial: func(ctx context.Context, ep mcpmgr.EndpointDescriptor) (mcp.Transport, error) {
				if ep.URL == "mem://stuck" {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				transport, err := n.Dial(ctx, ep.URL)
				if err != nil {
					return nil, err
				}
				return closeRecorder{Transport: transport, opened: &opened, closed: &closed}, nil
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	begin := time.Now()
	inv, _, err := Start(ctx, endpoints, opts)
	if err == nil {
		_ = inv.Close(context.Background())
		t.Fatalf("Start succeeded despite a stuck endpoint")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Fatalf("Start returned after %v, want prompt return on caller deadline", elapsed)
	}
	if opened.Load() && !closed.Load() {
		t.Fatalf("connected primary session was left open")
	}
}

func TestCallsAfterCloseFail(t *testing.T) {
	t.Parallel()

	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddEchoTool("a")
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), nil)

	if err := inv.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := inv.CallTool(context.Background(), "a", nil, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("CallTool after Close = %v, want ErrClosed", err)
	}
	if err := inv.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMetricsRecordOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	n := upstreamtest.NewNetwork()
	n.Add("mem://primary").AddEchoTool("a")
	inv, _ := startInvoker(t, n, primaryOnly("mem://primary"), &Options{Metrics: NewMetrics(reg)})

	if _, err := inv.CallTool(context.Background(), "a", nil, 5*time.Second); err != nil {
		t.Fatalf("CallTool(a): %v", err)
	}
	if _, err := inv.CallTool(context.Background(), "nope", nil, 5*time.Second); err == nil {
		t.Fatalf("CallTool(nope) should fail")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	outcomes := map[string]float64{}
	var readyEndpoints float64
	for _, mf := range families {
		switch mf.GetName() {
		case "benbox_invocations_total":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "outcome" {
						outcomes[lp.GetValue()] += m.GetCounter().GetValue()
					}
				}
			}
		case "benbox_endpoints":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "state" && lp.GetValue() == "ready" {
						readyEndpoints = m.GetGauge().GetValue()
					}
				}
			}
		}
	}
	if outcomes["ok"] != 1 || outcomes["upstream"] != 1 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	if readyEndpoints != 1 {
		t.Fatalf("ready endpoints gauge = %v", readyEndpoints)
	}
}
