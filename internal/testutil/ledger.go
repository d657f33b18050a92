package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/ledger/memory"
)

// Call records one ledger call.
type Call struct {
	Op     string
	Run    core.RunID
	Offset int
	Text   string
}

// ScriptedLedger wraps an in-memory ledger with hooks that let tests inject
// errors and author assistant replies in reaction to writes.
type ScriptedLedger struct {
	*memory.Ledger

	mu    sync.Mutex
	calls []Call
	reads map[core.RunID]int

	// OnCreate runs after a successful CreateRun.
	OnCreate func(l *ScriptedLedger, run core.RunID, prompt string)
	// OnAppend runs after a successful AppendTurn.
	OnAppend func(l *ScriptedLedger, run core.RunID, text string)
	// BeforeRead runs before every ReadTurnsSince with the 1-based read count for run.
	BeforeRead func(l *ScriptedLedger, run core.RunID, n int)

	// CreateErr, AppendErr and ReadErr inject failures when non-nil.
	CreateErr func(prompt string) error
	AppendErr func(run core.RunID, text string) error
	ReadErr   func(run core.RunID, n int) error
}

var _ core.Ledger = (*ScriptedLedger)(nil)

// NewScriptedLedger creates an empty scripted ledger.
func NewScriptedLedger() *ScriptedLedger {
	return &ScriptedLedger{Ledger: memory.New(), reads: map[core.RunID]int{}}
}

func (l *ScriptedLedger) record(c Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

// CreateRun records the call, applies CreateErr then OnCreate.
func (l *ScriptedLedger) CreateRun(ctx context.Context, prompt string, maxIterations int) (core.RunID, core.Receipt, error) {
	l.record(Call{Op: "create_run", Text: prompt})
	if l.CreateErr != nil {
		if err := l.CreateErr(prompt); err != nil {
			return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
		}
	}
	run, rcpt, err := l.Ledger.CreateRun(ctx, prompt, maxIterations)
	if err == nil && l.OnCreate != nil {
		l.OnCreate(l, run, prompt)
	}
	return run, rcpt, err
}

// AppendTurn records the call, applies AppendErr then OnAppend.
func (l *ScriptedLedger) AppendTurn(ctx context.Context, run core.RunID, text string) (core.Receipt, error) {
	l.record(Call{Op: "append_turn", Run: run, Text: text})
	if l.AppendErr != nil {
		if err := l.AppendErr(run, text); err != nil {
			return core.Receipt{}, &core.LedgerWriteError{Op: "append_turn", Run: run, Err: err}
		}
	}
	rcpt, err := l.Ledger.AppendTurn(ctx, run, text)
	if err == nil && l.OnAppend != nil {
		l.OnAppend(l, run, text)
	}
	return rcpt, err
}

// ReadTurnsSince records the call, runs BeforeRead and applies ReadErr.
func (l *ScriptedLedger) ReadTurnsSince(ctx context.Context, run core.RunID, offset int) ([]core.Turn, error) {
	l.record(Call{Op: "read_turns", Run: run, Offset: offset})
	l.mu.Lock()
	l.reads[run]++
	n := l.reads[run]
	l.mu.Unlock()

	if l.BeforeRead != nil {
		l.BeforeRead(l, run, n)
	}
	if l.ReadErr != nil {
		if err := l.ReadErr(run, n); err != nil {
			return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
		}
	}
	return l.Ledger.ReadTurnsSince(ctx, run, offset)
}

// Finish records the call and closes run.
func (l *ScriptedLedger) Finish(ctx context.Context, run core.RunID) error {
	l.record(Call{Op: "finish", Run: run})
	return l.Ledger.Finish(ctx, run)
}

// Reply appends an assistant turn, failing loudly on misuse.
func (l *ScriptedLedger) Reply(run core.RunID, content string) {
	if _, err := l.Ledger.AppendRole(context.Background(), run, core.RoleAssistant, content); err != nil {
		panic(err)
	}
}

// Reads returns how many times run was read.
func (l *ScriptedLedger) Reads(run core.RunID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads[run]
}

// Calls returns a copy of all recorded calls.
func (l *ScriptedLedger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// CallsOf returns recorded calls with the given op.
func (l *ScriptedLedger) CallsOf(op string) []Call {
	var out []Call
	for _, c := range l.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}
