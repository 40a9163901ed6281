// Package pool supervises a named registry of MCP server sessions: loading
// and validating configuration, honoring the persisted per-server
// enable/disable toggle, aggregating tool discovery, and dispatching tool
// calls with a single reconnect-on-death retry.
package pool
