// Package memory synthesizes the context block that carries earlier results
// into later Generate and AutoSelect prompts. The block is bounded by a
// character budget and a cap on included tool results; the oldest entries
// are dropped first.
package memory
