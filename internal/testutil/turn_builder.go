package testutil

import "github.com/hupe1980/agentrelay/core"

// TurnBuilder assembles an indexed turn history.
// Example:
//
//	turns := NewTurnBuilder().System("brief").User("hi").Assistant("FINISH").Build()
type TurnBuilder struct {
	turns []core.Turn
}

// NewTurnBuilder creates an empty builder.
func NewTurnBuilder() *TurnBuilder { return &TurnBuilder{} }

// Add appends a turn with the given role (chainable).
func (b *TurnBuilder) Add(role core.Role, content string) *TurnBuilder {
	b.turns = append(b.turns, core.Turn{Index: len(b.turns), Role: role, Content: content})
	return b
}

// System appends a system turn (chainable).
func (b *TurnBuilder) System(content string) *TurnBuilder { return b.Add(core.RoleSystem, content) }

// User appends a user turn (chainable).
func (b *TurnBuilder) User(content string) *TurnBuilder { return b.Add(core.RoleUser, content) }

// Assistant appends an assistant turn (chainable).
func (b *TurnBuilder) Assistant(content string) *TurnBuilder {
	return b.Add(core.RoleAssistant, content)
}

// Build returns the accumulated turns.
func (b *TurnBuilder) Build() []core.Turn {
	return append([]core.Turn(nil), b.turns...)
}

// AssistantTurn returns a single assistant turn at index.
func AssistantTurn(index int, content string) core.Turn {
	return core.Turn{Index: index, Role: core.RoleAssistant, Content: content}
}
