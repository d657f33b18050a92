// Package ledger houses concrete implementations of core.Ledger.
// The interface itself lives in the core package so the poller, relay and
// supervisor never depend on a concrete store.
//
// Backends live in sub-packages (memory, sqlite, evm); only the wiring layer
// decides which one to instantiate.
package ledger

import (
	"context"

	"github.com/hupe1980/agentrelay/core"
)

// Writable is implemented by local ledgers that let a simulator author
// turns in any role and close runs, the way the on-chain contract does for
// its own model output.
type Writable interface {
	core.Ledger

	// AppendRole commits a turn with an explicit role and returns it.
	AppendRole(ctx context.Context, run core.RunID, role core.Role, content string) (core.Turn, error)

	// Finish marks run as finished so it no longer appears in OpenRuns.
	Finish(ctx context.Context, run core.RunID) error

	// MaxIterations returns the assistant turn budget set at run creation.
	MaxIterations(ctx context.Context, run core.RunID) (int, error)
}
