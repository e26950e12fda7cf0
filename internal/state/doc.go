// Package state persists daemon runtime state between invocations.
//
// The runtime state is the authoritative record of what the daemon changed
// in the kernel mount table: an append-only journal of every mount made by
// the last pass, in order, plus a summary used by scan and diagnostics.
// Hymo negotiation results and the config_version counter are kept in a
// separate file so rule pushes never contend with mount passes.
//
// Key concepts:
//   - RuntimeState: journal of MountRecords and per-module failures
//   - HymoState: negotiated protocol, committed config_version, toggles
//   - StateStore: interface for loading and saving both atomically
package state
