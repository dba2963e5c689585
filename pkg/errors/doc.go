// Package errors provides coded diagnostics for wsbridge.
//
// Every failure the server reports locally (rejected handshakes, dropped
// commands, lifecycle errors) is a *TracedError carrying a stable code:
//
//	err := errors.NewBuilder("CMD-001").
//	    WithFunction("Send").
//	    WithInput("conn_id", id).
//	    Build()
//
// Codes follow the format CATEGORY-NUMBER:
//   - ADM: handshake admission
//   - REG: identity registry
//   - CMD: send/close commands
//   - SRV: server lifecycle
//   - EVT: event delivery
//   - SYS: everything else
//
// A Reporter logs diagnostics, rate-limits repeats through a SamplingRegistry
// and optionally persists them to a SQLite Store.
package errors
