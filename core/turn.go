package core

import "fmt"

// RunID identifies a ledger run. On-chain ledgers use the decimal form of
// the uint256 run id; local ledgers use their own sequence.
type RunID string

// String implements fmt.Stringer.
func (r RunID) String() string { return string(r) }

// Role is the author tag of a turn.
type Role string

const (
	// RoleSystem marks the orchestration prompt that opened the run.
	RoleSystem Role = "system"
	// RoleUser marks turns appended by the relay on behalf of humans.
	RoleUser Role = "user"
	// RoleAssistant marks turns produced by the contract's model.
	RoleAssistant Role = "assistant"
)

// Participant names a reader of the ledger: the lead or a persona.
type Participant string

// Lead is the orchestrating persona reading the session's main run.
const Lead Participant = "lead"

// IsLead reports whether p is the lead participant.
func (p Participant) IsLead() bool { return p == Lead }

// Turn is one immutable, append-only ledger entry.
type Turn struct {
	Index   int
	Role    Role
	Content string
}

// String returns a compact debug representation.
func (t Turn) String() string {
	return fmt.Sprintf("#%d[%s] %q", t.Index, t.Role, t.Content)
}

// Receipt describes a committed ledger write.
type Receipt struct {
	// TxHash is the transaction hash for on-chain ledgers, or a local
	// identifier for process-local ones.
	TxHash string
	// Block is the block (or local sequence) the write landed in.
	Block uint64
}
