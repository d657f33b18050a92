// Package memory provides a volatile, process-local core.Ledger. It is safe
// for concurrent access and suited to tests, the façade default and the
// local simulator.
package memory

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/ledger"
)

// Errors wrapped by ledger errors for unknown or finished runs.
var (
	ErrUnknownRun  = errors.New("unknown run")
	ErrRunFinished = errors.New("run is finished")
)

type run struct {
	turns         []core.Turn
	maxIterations int
	finished      bool
}

// Ledger stores runs in a process local map.
type Ledger struct {
	mu    sync.RWMutex
	runs  map[core.RunID]*run
	order []core.RunID
	seq   uint64
	block uint64
}

var _ ledger.Writable = (*Ledger)(nil)

// New constructs an empty in-memory ledger.
func New() *Ledger {
	return &Ledger{runs: make(map[core.RunID]*run)}
}

// CreateRun opens a run whose first turn is the system prompt.
func (l *Ledger) CreateRun(ctx context.Context, prompt string, maxIterations int) (core.RunID, core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := core.RunID(strconv.FormatUint(l.seq, 10))
	l.seq++
	l.runs[id] = &run{
		turns:         []core.Turn{{Index: 0, Role: core.RoleSystem, Content: prompt}},
		maxIterations: maxIterations,
	}
	l.order = append(l.order, id)

	return id, l.receiptLocked(), nil
}

// AppendTurn commits a user turn.
func (l *Ledger) AppendTurn(ctx context.Context, id core.RunID, text string) (core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return core.Receipt{}, &core.LedgerWriteError{Op: "append_turn", Run: id, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.runs[id]
	if !ok {
		return core.Receipt{}, &core.LedgerWriteError{Op: "append_turn", Run: id, Err: ErrUnknownRun}
	}
	if r.finished {
		return core.Receipt{}, &core.LedgerWriteError{Op: "append_turn", Run: id, Err: ErrRunFinished}
	}
	r.turns = append(r.turns, core.Turn{Index: len(r.turns), Role: core.RoleUser, Content: text})

	return l.receiptLocked(), nil
}

// AppendRole commits a turn with an explicit role.
func (l *Ledger) AppendRole(ctx context.Context, id core.RunID, role core.Role, content string) (core.Turn, error) {
	if err := ctx.Err(); err != nil {
		return core.Turn{}, &core.LedgerWriteError{Op: "append_role", Run: id, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.runs[id]
	if !ok {
		return core.Turn{}, &core.LedgerWriteError{Op: "append_role", Run: id, Err: ErrUnknownRun}
	}
	t := core.Turn{Index: len(r.turns), Role: role, Content: content}
	r.turns = append(r.turns, t)
	l.block++

	return t, nil
}

// ReadTurnsSince returns a copy of the turns at or after offset.
func (l *Ledger) ReadTurnsSince(ctx context.Context, id core.RunID, offset int) ([]core.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: id, Offset: offset, Err: err}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.runs[id]
	if !ok {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: id, Offset: offset, Err: ErrUnknownRun}
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(r.turns) {
		return []core.Turn{}, nil
	}

	return slices.Clone(r.turns[offset:]), nil
}

// OpenRuns lists unfinished runs in creation order.
func (l *Ledger) OpenRuns(ctx context.Context) ([]core.RunID, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.LedgerReadError{Op: "open_runs", Err: err}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	open := make([]core.RunID, 0, len(l.order))
	for _, id := range l.order {
		if !l.runs[id].finished {
			open = append(open, id)
		}
	}

	return open, nil
}

// Finish marks a run as finished.
func (l *Ledger) Finish(_ context.Context, id core.RunID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.runs[id]
	if !ok {
		return &core.LedgerWriteError{Op: "finish", Run: id, Err: ErrUnknownRun}
	}
	r.finished = true

	return nil
}

// MaxIterations returns the iteration budget recorded at run creation.
func (l *Ledger) MaxIterations(_ context.Context, id core.RunID) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.runs[id]
	if !ok {
		return 0, &core.LedgerReadError{Op: "max_iterations", Run: id, Err: ErrUnknownRun}
	}

	return r.maxIterations, nil
}

// receiptLocked advances the local block counter; caller must hold the write lock.
func (l *Ledger) receiptLocked() core.Receipt {
	l.block++
	return core.Receipt{TxHash: uuid.NewString(), Block: l.block}
}
