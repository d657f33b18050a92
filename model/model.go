package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// Message is one chat message handed to a provider.
type Message struct {
	Role    core.Role `json:"role"`
	Content string    `json:"content"`
}

// Request captures the normalized model input.
type Request struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Content      string      `json:"content"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock"
}

// Model is the minimal interface required to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrNoResponse is returned by Complete when a model closes without a final response.
var ErrNoResponse = errors.New("model returned no final response")

// Complete drains a generation and returns its final response.
func Complete(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var final *Response
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !r.Partial {
				final = &r
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if final == nil {
		return Response{}, ErrNoResponse
	}
	return *final, nil
}

// FromTurns converts a ledger history into a request. System turns form
// the system prompt; every other non-assistant turn is sent as user input.
func FromTurns(turns []core.Turn) Request {
	var (
		req    Request
		system []string
	)
	for _, t := range turns {
		switch t.Role {
		case core.RoleSystem:
			system = append(system, t.Content)
		case core.RoleAssistant:
			req.Messages = append(req.Messages, Message{Role: core.RoleAssistant, Content: t.Content})
		default:
			req.Messages = append(req.Messages, Message{Role: core.RoleUser, Content: t.Content})
		}
	}
	req.System = strings.Join(system, "\n\n")
	return req
}

// MockModel is a lightweight in-memory Model useful for tests and the
// offline simulator.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	respond   func(req Request) (string, error)
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// RespondWith installs fn as the fallback for prompts without a canned response.
func (m *MockModel) RespondWith(fn func(req Request) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
}

// Requests returns every request received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model; emits optional streaming char chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var input string
	if len(req.Messages) > 0 {
		input = req.Messages[len(req.Messages)-1].Content
	}
	full, canned := m.responses[input]
	respond := m.respond
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if len(req.Messages) == 0 && req.System == "" {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		if !canned {
			if respond != nil {
				var err error
				if full, err = respond(req); err != nil {
					errCh <- err
					return
				}
			} else {
				full = fmt.Sprintf("Mock response to: %s", input)
			}
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Content: string(r)}:
				}
			}
		}
		respCh <- Response{Content: full, FinishReason: "stop"}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
