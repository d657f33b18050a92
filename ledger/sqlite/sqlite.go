// Package sqlite provides a file-backed core.Ledger on modernc.org/sqlite.
// Runs survive restarts, so OpenRuns-driven resume works for local
// deployments without a chain.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/ledger"
	"github.com/hupe1980/agentrelay/ledger/sqlite/migrations"
)

// Errors wrapped by ledger errors for unknown or finished runs.
var (
	ErrUnknownRun  = errors.New("unknown run")
	ErrRunFinished = errors.New("run is finished")
)

// Ledger is a SQLite-backed ledger.
type Ledger struct {
	db *sql.DB
}

var _ ledger.Writable = (*Ledger)(nil)

// Open opens (or creates) the ledger at path and applies migrations.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Turn indexes are assigned inside a transaction; one writer keeps them dense.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the SQLite connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// CreateRun inserts a run and its system turn in one transaction.
func (l *Ledger) CreateRun(ctx context.Context, prompt string, maxIterations int) (core.RunID, core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}

	now := time.Now().UTC().UnixMilli()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO runs (max_iterations, created_at) VALUES (?, ?)`, maxIterations, now)
	if err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (run_id, idx, role, content, created_at) VALUES (?, 0, ?, ?, ?)`,
		id, string(core.RoleSystem), prompt, now,
	); err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", core.Receipt{}, &core.LedgerWriteError{Op: "create_run", Err: err}
	}

	run := core.RunID(strconv.FormatInt(id, 10))
	return run, core.Receipt{TxHash: "sqlite:" + run.String() + ":0", Block: uint64(now)}, nil
}

// AppendTurn commits a user turn.
func (l *Ledger) AppendTurn(ctx context.Context, run core.RunID, text string) (core.Receipt, error) {
	t, err := l.appendRole(ctx, "append_turn", run, core.RoleUser, text)
	if err != nil {
		return core.Receipt{}, err
	}
	return core.Receipt{TxHash: fmt.Sprintf("sqlite:%s:%d", run, t.Index), Block: uint64(time.Now().UTC().UnixMilli())}, nil
}

// AppendRole commits a turn with an explicit role.
func (l *Ledger) AppendRole(ctx context.Context, run core.RunID, role core.Role, content string) (core.Turn, error) {
	return l.appendRole(ctx, "append_role", run, role, content)
}

func (l *Ledger) appendRole(ctx context.Context, op string, run core.RunID, role core.Role, content string) (core.Turn, error) {
	if err := ctx.Err(); err != nil {
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: err}
	}
	id, err := parseRunID(run)
	if err != nil {
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: err}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var finished bool
	if err := tx.QueryRowContext(ctx, `SELECT finished FROM runs WHERE id = ?`, id).Scan(&finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrUnknownRun
		}
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: err}
	}
	if finished && role == core.RoleUser {
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: ErrRunFinished}
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM turns WHERE run_id = ?`, id).Scan(&next); err != nil {
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (run_id, idx, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, next, string(role), content, time.Now().UTC().UnixMilli(),
	); err != nil {
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return core.Turn{}, &core.LedgerWriteError{Op: op, Run: run, Err: err}
	}

	return core.Turn{Index: next, Role: role, Content: content}, nil
}

// ReadTurnsSince returns turns with idx >= offset in index order.
func (l *Ledger) ReadTurnsSince(ctx context.Context, run core.RunID, offset int) ([]core.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}
	id, err := parseRunID(run)
	if err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}

	var exists int
	if err := l.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrUnknownRun
		}
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT idx, role, content FROM turns WHERE run_id = ? AND idx >= ? ORDER BY idx`,
		id, offset,
	)
	if err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}
	defer func() { _ = rows.Close() }()

	turns := []core.Turn{}
	for rows.Next() {
		var (
			t    core.Turn
			role string
		)
		if err := rows.Scan(&t.Index, &role, &t.Content); err != nil {
			return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
		}
		t.Role = core.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.LedgerReadError{Op: "read_turns", Run: run, Offset: offset, Err: err}
	}

	return turns, nil
}

// OpenRuns lists unfinished runs in creation order.
func (l *Ledger) OpenRuns(ctx context.Context) ([]core.RunID, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.LedgerReadError{Op: "open_runs", Err: err}
	}

	rows, err := l.db.QueryContext(ctx, `SELECT id FROM runs WHERE finished = 0 ORDER BY id`)
	if err != nil {
		return nil, &core.LedgerReadError{Op: "open_runs", Err: err}
	}
	defer func() { _ = rows.Close() }()

	runs := []core.RunID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &core.LedgerReadError{Op: "open_runs", Err: err}
		}
		runs = append(runs, core.RunID(strconv.FormatInt(id, 10)))
	}
	if err := rows.Err(); err != nil {
		return nil, &core.LedgerReadError{Op: "open_runs", Err: err}
	}

	return runs, nil
}

// Finish marks a run as finished.
func (l *Ledger) Finish(ctx context.Context, run core.RunID) error {
	id, err := parseRunID(run)
	if err != nil {
		return &core.LedgerWriteError{Op: "finish", Run: run, Err: err}
	}
	res, err := l.db.ExecContext(ctx, `UPDATE runs SET finished = 1 WHERE id = ?`, id)
	if err != nil {
		return &core.LedgerWriteError{Op: "finish", Run: run, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.LedgerWriteError{Op: "finish", Run: run, Err: ErrUnknownRun}
	}
	return nil
}

// MaxIterations returns the iteration budget recorded at run creation.
func (l *Ledger) MaxIterations(ctx context.Context, run core.RunID) (int, error) {
	id, err := parseRunID(run)
	if err != nil {
		return 0, &core.LedgerReadError{Op: "max_iterations", Run: run, Err: err}
	}
	var budget int
	err = l.db.QueryRowContext(ctx, `SELECT max_iterations FROM runs WHERE id = ?`, id).Scan(&budget)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &core.LedgerReadError{Op: "max_iterations", Run: run, Err: ErrUnknownRun}
	}
	if err != nil {
		return 0, &core.LedgerReadError{Op: "max_iterations", Run: run, Err: err}
	}
	return budget, nil
}

func parseRunID(run core.RunID) (int64, error) {
	id, err := strconv.ParseInt(string(run), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid run id %q: %w", run, err)
	}
	return id, nil
}
