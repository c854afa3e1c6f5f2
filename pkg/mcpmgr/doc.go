// Package mcpmgr connects a Go process to several Model Context Protocol (MCP)
// endpoints at once and decides which of them serves a given tool, prompt or
// resource. It layers startup connection, capability discovery and routing on
// top of the modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Registry owns one Session per EndpointDescriptor. Construct it with
//     NewRegistry, then call ConnectAll once. Endpoints that fail to open,
//     complete the handshake or answer discovery are marked Failed and
//     reported in the StartupReport; they never abort the others.
//   - RoutingTable maps operation names to session keys. It is built once
//     after every connection attempt resolved, using a first-registered-wins
//     policy over the primary endpoint followed by the remotes in
//     configuration order. Unknown names resolve to the primary.
//   - File, LoadFile and FindConfig read the YAML configuration, with
//     BENBOX_* environment overrides.
//
// There is no reconnection. A session that failed at startup stays excluded
// for the lifetime of the Registry.
package mcpmgr
