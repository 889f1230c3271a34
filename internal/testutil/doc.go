// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing in-process tool servers and step
// traces. The servers are real mcp-go servers so tests exercise the same
// session, pool and discovery path as production handles. Not intended for
// production usage.
package testutil
