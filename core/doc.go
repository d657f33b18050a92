// Package core provides the foundational domain types, contracts and the
// per-session execution context used by the relay engine. It defines:
//
//   - Turns (immutable ledger entries ordered by index within a run)
//   - The Ledger contract (run creation, turn appends, forward reads)
//   - The Channel contract (outbound group messages under an Identity)
//   - The error taxonomy shared by poller, router, relay and supervisor
//   - SessionContext, the explicit state threaded through every component call
//
// The package keeps implementation concerns (concrete ledgers, transports,
// orchestration) out of scope so backends can be swapped freely.
package core
