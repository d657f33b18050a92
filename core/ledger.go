package core

import "context"

// Ledger is the append-only conversation store the relay reads from and
// writes user turns to. Implementations perform no retries: failures are
// reported as *LedgerWriteError or *LedgerReadError and the caller owns the
// retry policy.
type Ledger interface {
	// CreateRun opens a new run seeded with prompt as its system turn and
	// returns the run id once the creation is committed.
	CreateRun(ctx context.Context, prompt string, maxIterations int) (RunID, Receipt, error)

	// AppendTurn commits a user turn. It may block until the write is
	// confirmed. There is no rollback.
	AppendTurn(ctx context.Context, run RunID, text string) (Receipt, error)

	// ReadTurnsSince returns every turn with Index >= offset in index
	// order. Re-reading an offset with no new writes returns an empty
	// slice.
	ReadTurnsSince(ctx context.Context, run RunID, offset int) ([]Turn, error)

	// OpenRuns lists runs that have not finished.
	OpenRuns(ctx context.Context) ([]RunID, error)
}
