package invoker

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Payload is the normalized body of a result: Text, Binary or Structured.
type Payload interface {
	isPayload()
}

// Text is a textual payload.
type Text string

// Binary is a raw byte payload.
type Binary []byte

// Structured is a JSON object payload.
type Structured map[string]any

func (Text) isPayload()       {}
func (Binary) isPayload()     {}
func (Structured) isPayload() {}

// Result is the single shape every tool call, resource read and prompt
// retrieval is reduced to.
type Result struct {
	Payload  Payload
	MIMEType string
	// Session is the key of the session that served the request.
	Session string
	// LowConfidence marks results produced by stringifying an unrecognized
	// response.
	LowConfidence bool
}

// Text returns the payload as text. Binary payloads are returned as-is and
// structured payloads as JSON.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	switch p := r.Payload.(type) {
	case Text:
		return string(p)
	case Binary:
		return string(p)
	case Structured:
		b, _ := json.Marshal(p)
		return string(b)
	}
	return ""
}

// Bytes returns the raw bytes of a Binary payload.
func (r *Result) Bytes() ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	b, ok := r.Payload.(Binary)
	return b, ok
}

// Response is an upstream response at the transport boundary.
type Response interface {
	isResponse()
}

// ToolResponse wraps a tools/call result.
type ToolResponse struct{ Result *mcp.CallToolResult }

// ResourceResponse wraps a resources/read result.
type ResourceResponse struct{ Result *mcp.ReadResourceResult }

// PromptResponse wraps a prompts/get result.
type PromptResponse struct{ Result *mcp.GetPromptResult }

// RawResponse carries a value of no known shape.
type RawResponse struct{ Value any }

func (ToolResponse) isResponse()     {}
func (ResourceResponse) isResponse() {}
func (PromptResponse) isResponse()   {}
func (RawResponse) isResponse()      {}

// Normalize reduces resp to a Result. Tool results flagged IsError become an
// upstream error carrying the tool's message. Responses that match no known
// shape are stringified and marked LowConfidence.
func Normalize(resp Response) (*Result, error) {
	switch r := resp.(type) {
	case ToolResponse:
		if r.Result == nil {
			return nil, newError(KindNormalization, errors.New("nil tool result"))
		}
		return normalizeTool(r.Result)
	case ResourceResponse:
		if r.Result == nil {
			return nil, newError(KindNormalization, errors.New("nil resource result"))
		}
		return normalizeResource(r.Result)
	case PromptResponse:
		if r.Result == nil {
			return nil, newError(KindNormalization, errors.New("nil prompt result"))
		}
		return normalizePrompt(r.Result)
	case RawResponse:
		if r.Value == nil {
			return nil, newError(KindNormalization, errors.New("nil response"))
		}
		if s, ok := r.Value.(string); ok {
			return &Result{Payload: Text(s), LowConfidence: true}, nil
		}
		return stringify(r.Value)
	case nil:
		return nil, newError(KindNormalization, errors.New("nil response"))
	default:
		return nil, newError(KindNormalization, fmt.Errorf("unsupported response type %T", resp))
	}
}

func normalizeTool(res *mcp.CallToolResult) (*Result, error) {
	if res.IsError {
		msg := "tool reported an error"
		for _, c := range res.Content {
			if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
				msg = tc.Text
				break
			}
		}
		return nil, newError(KindUpstream, errors.New(msg))
	}
	if len(res.Content) > 0 {
		if out, ok := contentResult(res.Content[0]); ok {
			return out, nil
		}
		return stringify(res)
	}
	if res.StructuredContent != nil {
		if m, ok := asObject(res.StructuredContent); ok {
			return &Result{Payload: Structured(m), MIMEType: "application/json"}, nil
		}
	}
	return stringify(res)
}

func normalizeResource(res *mcp.ReadResourceResult) (*Result, error) {
	if len(res.Contents) == 0 || res.Contents[0] == nil {
		return stringify(res)
	}
	return resourceContentsResult(res.Contents[0]), nil
}

func normalizePrompt(res *mcp.GetPromptResult) (*Result, error) {
	if len(res.Messages) == 0 || res.Messages[0] == nil || res.Messages[0].Content == nil {
		return stringify(res)
	}
	if out, ok := contentResult(res.Messages[0].Content); ok {
		return out, nil
	}
	return stringify(res)
}

func contentResult(c mcp.Content) (*Result, bool) {
	switch v := c.(type) {
	case *mcp.TextContent:
		return &Result{Payload: Text(v.Text)}, true
	case *mcp.ImageContent:
		return &Result{Payload: Binary(v.Data), MIMEType: v.MIMEType}, true
	case *mcp.AudioContent:
		return &Result{Payload: Binary(v.Data), MIMEType: v.MIMEType}, true
	case *mcp.EmbeddedResource:
		if v.Resource == nil {
			return nil, false
		}
		return resourceContentsResult(v.Resource), true
	case *mcp.ResourceLink:
		return &Result{Payload: Text(v.URI), MIMEType: v.MIMEType}, true
	default:
		return nil, false
	}
}

func resourceContentsResult(rc *mcp.ResourceContents) *Result {
	if rc.Text == "" && rc.Blob != nil {
		return &Result{Payload: Binary(rc.Blob), MIMEType: rc.MIMEType}
	}
	return &Result{Payload: Text(rc.Text), MIMEType: rc.MIMEType}
}

func stringify(v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, newError(KindNormalization, fmt.Errorf("stringify %T: %w", v, err))
	}
	return &Result{Payload: Text(b), MIMEType: "application/json", LowConfidence: true}, nil
}

func asObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// decodeBinary turns base64 text that stands for bytes back into a Binary
// payload: text carrying a non-textual MIME type, or a base64 data URL.
// Text that does not decode is left alone.
func decodeBinary(r *Result) {
	text, ok := r.Payload.(Text)
	if !ok {
		return
	}
	s := strings.TrimSpace(string(text))
	if mediaType, data, ok := parseDataURL(s); ok {
		if b, err := decodeBase64(data); err == nil {
			r.Payload = Binary(b)
			if mediaType != "" {
				r.MIMEType = mediaType
			}
		}
		return
	}
	if isTextualMIME(r.MIMEType) {
		return
	}
	if b, err := decodeBase64(s); err == nil {
		r.Payload = Binary(b)
	}
}

// parseDataURL splits "data:<type>;base64,<data>".
func parseDataURL(s string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	header, data, found := strings.Cut(s[len("data:"):], ",")
	if !found || !strings.HasSuffix(header, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(header, ";base64"), data, true
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func isTextualMIME(m string) bool {
	if m == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(m)
	if err != nil {
		mediaType = strings.ToLower(m)
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "+xml"):
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/javascript",
		"application/yaml", "application/x-yaml", "application/x-www-form-urlencoded":
		return true
	}
	return false
}
