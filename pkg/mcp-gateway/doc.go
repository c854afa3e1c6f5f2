// Package mcpgateway serves an Invoker over HTTP. It offers two front doors on
// one handler: a small JSON API for web front-ends (/v1/...) and a Streamable
// MCP endpoint that mirrors every routed tool, prompt and resource so MCP
// clients can reach all upstream endpoints through a single connection.
// Health and Prometheus metrics are served next to them.
package mcpgateway
