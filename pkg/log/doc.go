package log

// Package log provides a very small opinionated wrapper around Go's standard
// library logging facilities. Its goal is to offer a consistent way to emit
// logs per project connection or worker while keeping migration friction low.
//
// Key Features
//
//   - Per service loggers via ForService(name), one per project connection,
//     one per spawned worker
//   - Automatic prefix in every line: `[name>]`  (example: `[storefront>] connected`)
//   - Convenience level helpers: Infof, Warnf, Errorf, Debugf
//   - Debug logging can be enabled globally (SetGlobalDebug) or per service
//     (EnableDebugFor / DisableDebugFor)
//   - Uses the standard library *log.Logger* under the hood (no external deps)
//   - Central output writer (SetOutput) that updates existing loggers
//
// Non‑Goals (for now)
//
//   - Full-featured leveled logging framework
//   - Structured / JSON logging
//   - Log sampling, rotation, or asynchronous buffering
//
// Basic Usage
//
//	import (
//		"github.com/relaybridge/agent-relay/pkg/log"
//	)
//
//	func main() {
//		// Enable global debug logs if desired.
//		log.SetGlobalDebug(true)
//
//		// Acquire a logger for a project connection.
//		bridge := log.ForService("storefront")
//
//		bridge.Infof("connected")
//		bridge.Warnf("reconnect attempt 3")
//		bridge.Debugf("detailed envelope: %v", "...") // printed because global debug enabled
//	}
//
// Selective Debug
//
//	// Only enable debug for the spawner.
//	log.EnableDebugFor("spawner")
//	log.ForService("spawner").Debugf("visible")
//	log.ForService("storefront").Debugf("NOT visible")
//
// Output Routing
//
//	// Send logs to a file (ensure proper closing in real code).
//	f, _ := os.Create("agent-relay.log")
//	log.SetOutput(f)
//
// Thread Safety
//
// All exported functions are safe for concurrent use. Internally the package
// relies on sync.Map and atomic primitives for minimal locking.
//
// Prefix Format
//
// The chosen prefix format `[name>]` provides a concise, grep‑friendly service marker.
// Every line also starts with the standard logger's date and microsecond time.
//
// Testing
//
// Tests can redirect output by calling SetOutput with a bytes.Buffer,
// enabling assertions on log contents.
