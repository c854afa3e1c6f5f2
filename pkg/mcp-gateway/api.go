package mcpgateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drbenjamin/benbox-mcp/pkg/invoker"
	"github.com/drbenjamin/benbox-mcp/pkg/mcpmgr"
)

// InvokeRequest is the JSON body accepted by the /v1 invocation routes. URI is
// only read by /v1/resources.
type InvokeRequest struct {
	URI       string         `json:"uri,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

// ResultBody is the JSON form of an invoker.Result. Exactly one of Text, Data
// or Structured is set. Data is base64 encoded on the wire.
type ResultBody struct {
	Session       string         `json:"session"`
	MIMEType      string         `json:"mime_type,omitempty"`
	Text          *string        `json:"text,omitempty"`
	Data          []byte         `json:"data,omitempty"`
	Structured    map[string]any `json:"structured,omitempty"`
	LowConfidence bool           `json:"low_confidence,omitempty"`
}

// ErrorBody is returned with every non-2xx status.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Session string `json:"session,omitempty"`
}

// HealthBody is returned by /healthz.
type HealthBody struct {
	Status string   `json:"status"`
	Ready  []string `json:"ready"`
	Failed []string `json:"failed,omitempty"`
}

func (g *Gateway) handleTool(w http.ResponseWriter, r *http.Request) {
	var body InvokeRequest
	if !g.decode(w, r, &body) {
		return
	}
	req := invoker.Request{Kind: invoker.RequestTool, Name: chi.URLParam(r, "name"), Params: body.Params}
	g.invoke(w, r, req, g.timeout(body))
}

func (g *Gateway) handleResource(w http.ResponseWriter, r *http.Request) {
	var body InvokeRequest
	if !g.decode(w, r, &body) {
		return
	}
	req := invoker.Request{Kind: invoker.RequestResource, Name: body.URI, Params: body.Params}
	g.invoke(w, r, req, g.timeout(body))
}

func (g *Gateway) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body InvokeRequest
	if !g.decode(w, r, &body) {
		return
	}
	req := invoker.Request{Kind: invoker.RequestPrompt, Name: chi.URLParam(r, "name"), Params: body.Params}
	g.invoke(w, r, req, g.timeout(body))
}

func (g *Gateway) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := g.inv.Routes()
	if routes == nil {
		routes = []mcpmgr.Route{}
	}
	g.writeJSON(w, http.StatusOK, routes)
}

func (g *Gateway) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.inv.Endpoints())
}

// handleHealth answers 200 while at least one endpoint is ready. The status
// field tells degraded operation apart from full health.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := g.inv.Report()
	if report == nil {
		g.writeJSON(w, http.StatusServiceUnavailable, HealthBody{Status: "starting", Ready: []string{}})
		return
	}
	body := HealthBody{Status: "ok", Ready: append([]string{}, report.Ready...)}
	for _, f := range report.Failed {
		body.Failed = append(body.Failed, f.Endpoint.Key())
	}
	status := http.StatusOK
	switch {
	case len(report.Ready) == 0:
		body.Status = "down"
		status = http.StatusServiceUnavailable
	case report.Degraded():
		body.Status = "degraded"
	}
	g.writeJSON(w, status, body)
}

func (g *Gateway) invoke(w http.ResponseWriter, r *http.Request, req invoker.Request, timeout time.Duration) {
	res, err := g.inv.Invoke(r.Context(), req, timeout)
	if err != nil {
		status := StatusFor(err)
		detail := ErrorDetail{Kind: "internal", Message: err.Error()}
		var ie *invoker.InvocationError
		if errors.As(err, &ie) {
			detail.Kind = ie.Kind.String()
			detail.Session = ie.Session
		}
		level := g.opts.Logger.Info
		if status >= http.StatusInternalServerError {
			level = g.opts.Logger.Warn
		}
		level("mcpgateway: invocation failed",
			"kind", req.Kind.String(),
			"name", req.Name,
			"status", status,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		g.writeJSON(w, status, ErrorBody{Error: detail})
		return
	}
	g.writeJSON(w, http.StatusOK, NewResultBody(res))
}

// NewResultBody converts res to its JSON form.
func NewResultBody(res *invoker.Result) ResultBody {
	out := ResultBody{Session: res.Session, MIMEType: res.MIMEType, LowConfidence: res.LowConfidence}
	switch p := res.Payload.(type) {
	case invoker.Text:
		s := string(p)
		out.Text = &s
	case invoker.Binary:
		out.Data = []byte(p)
	case invoker.Structured:
		out.Structured = map[string]any(p)
	}
	return out
}

// StatusFor maps an invocation error to an HTTP status.
func StatusFor(err error) int {
	switch invoker.KindOf(err) {
	case invoker.KindInvalid:
		return http.StatusBadRequest
	case invoker.KindCanceled:
		return http.StatusRequestTimeout
	case invoker.KindUpstream:
		return http.StatusBadGateway
	case invoker.KindUnavailable, invoker.KindClosed:
		return http.StatusServiceUnavailable
	case invoker.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) timeout(body InvokeRequest) time.Duration {
	if body.TimeoutMS > 0 {
		return time.Duration(body.TimeoutMS) * time.Millisecond
	}
	return g.opts.CallTimeout
}

// decode reads an optional JSON body into dst. It writes a 400 and returns
// false when the body is malformed.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst *InvokeRequest) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, g.opts.MaxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		g.writeJSON(w, http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Kind:    invoker.KindInvalid.String(),
			Message: "invalid request body: " + err.Error(),
		}})
		return false
	}
	return true
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logError("mcpgateway: write response", err)
	}
}
