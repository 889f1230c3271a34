// Package engine holds the process-wide resources that workflow runs share.
//
// An Engine is built once and handed to every workflow. It wires its
// collaborators in dependency order:
//
//	┌──────────────┐   ┌──────────┐   ┌────────┐   ┌────────────┐
//	│ token cache  │──▶│  dialer  │──▶│  pool  │──▶│ discovery  │
//	└──────────────┘   └──────────┘   └────────┘   └────────────┘
//	                                       │              │
//	                                       ▼              ▼
//	                                  ┌─────────┐   ┌───────────┐
//	                                  │ invoker │──▶│ flow.Loop │
//	                                  └─────────┘   └───────────┘
//
// plus the delegation coordinator, the server registry, named models, the
// logger, the telemetry recorder and the retry and timeout defaults.
//
// # Sharing
//
// All resources are safe for concurrent use. Two workflows running at the
// same time share sessions through the pool, whose size is the only
// back-pressure on large fan-outs:
//
//	cfg := engine.DefaultConfig
//	cfg.PoolSize = 1 // every tool call to every server is serialized
//	eng := engine.New(engine.WithConfig(cfg), engine.WithDefaultModel(m))
//	defer eng.Close()
//
// # Local tools
//
// Go functions become tools by mounting a tool.LocalServer:
//
//	srv := tool.NewLocalServer("calc", tool.NewFunctionTool("add", "adds", schema, add))
//	h, err := eng.Mount(srv)
//
// The handle is registered under the server's name and reaches the server
// through the in-process transport, so local tools are discovered, validated
// and pooled exactly like remote ones.
package engine
