// Package session provides live connections to tool servers speaking the
// Model Context Protocol. A Session lists and calls tools on one server; a
// Dialer opens sessions for a core.ServerHandle over stdio, streamable HTTP
// or an in-process server, injecting credentials from a token source.
//
// Sessions are not safe for concurrent calls; the pool package hands each one
// to at most one in-flight call at a time.
package session
