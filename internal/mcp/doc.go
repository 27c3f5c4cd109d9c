// Package mcp is a client for MCP "streamable HTTP" servers.
//
// A Client owns one session: it performs the initialize handshake lazily
// (single-flight across concurrent callers), remembers the server-issued
// session id, retries transient failures with jittered exponential backoff
// and recovers once from an expired session by re-initializing and
// replaying the request. Callers only ever see terminal errors.
package mcp
