// Package a2a is an agent-to-agent coordination substrate built on a
// publish/subscribe message bus. A process embeds a Substrate to become
// a peer: it announces its identity and capabilities, discovers other
// peers, and cooperates with them through distributed tasks, a
// replicated key-value store, and typed data exchange.
//
// # Architecture
//
// Every component speaks through a single bus connection:
//
//	┌──────────────────────────────────────┐
//	│             Substrate                │  Initialize / Shutdown
//	│ (construction, wiring, lifecycle)    │  bracketing
//	└──────────────────────────────────────┘
//	        ↓ owns
//	┌──────────────────────────────────────┐
//	│ registry · task · store · exchange   │  Peer discovery, task
//	│ circuit · filter · health · alert    │  coordination, shared
//	│                                      │  state, resilience
//	└──────────────────────────────────────┘
//	        ↓ communicate via
//	┌──────────────────────────────────────┐
//	│         transport (Conn)             │  NATS in production,
//	│                                      │  in-memory Bus in tests
//	└──────────────────────────────────────┘
//
// All cross-process state is eventually consistent: each peer holds its
// own view of the registry, of tasks it created or executes, and of
// store entries, converging through broadcast messages rather than
// through any central coordinator.
//
// # Usage
//
//	cfg := config.Default()
//	cfg.Service.Type = "image-worker"
//	cfg.Service.Capabilities = []string{"image.resize"}
//
//	sub, err := a2a.New(a2a.WithConfig(cfg))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := sub.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer sub.Shutdown(30 * time.Second)
//
//	sub.Tasks().RegisterHandler("image.resize", resizeHandler)
//
// The hosting application owns the Substrate instance; the package
// keeps no global state.
package a2a
