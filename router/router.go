// Package router interprets a lead turn as a routing decision.
//
// Rules are applied in order and the first match wins:
//  1. a terminal marker anywhere in the text terminates the session
//  2. a persona marker dispatches to that persona; when several personas
//     are addressed the earliest marker wins and the decision carries a
//     *core.RoutingAmbiguity
//  3. anything else is a no-op
//
// Routing is pure: the same turn always yields the same decision.
package router

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hupe1980/agentrelay/core"
)

// Kind is the routing decision type.
type Kind int

const (
	// NoOp means nothing is relayed.
	NoOp Kind = iota
	// Terminate ends the session.
	Terminate
	// Dispatch relays to Decision.Persona.
	Dispatch
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Terminate:
		return "terminate"
	case Dispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// Decision is derived from a turn and never stored.
type Decision struct {
	Kind Kind
	// Persona is the dispatch target.
	Persona string
	// Instruction is the text following the winning marker, up to the next
	// persona marker.
	Instruction string
	// Style is the syntax of the winning marker.
	Style Style
	// Ambiguity is set when several personas were addressed.
	Ambiguity *core.RoutingAmbiguity
	// Turn is the routed turn.
	Turn core.Turn
}

// String returns a compact description for logs.
func (d Decision) String() string {
	if d.Kind == Dispatch {
		return fmt.Sprintf("dispatch(%s)", d.Persona)
	}
	return d.Kind.String()
}

// Router applies a Grammar.
type Router struct {
	grammar  Grammar
	markers  []markerPattern
	terminal []terminalPattern
}

type terminalPattern struct {
	marker string
	re     *regexp.Regexp
}

// New validates g and compiles its markers. Persona names must be
// non-empty and unique.
func New(g Grammar) (*Router, error) {
	if len(g.TerminalMarkers) == 0 {
		g.TerminalMarkers = []string{DefaultTerminalMarker}
	}
	if len(g.Styles) == 0 {
		g.Styles = []Style{StyleDirective}
	}

	seen := map[string]bool{}
	r := &Router{grammar: g}
	// Routed decisions carry trimmed names, so the grammar keeps them too.
	r.grammar.Personas = make([]string, 0, len(g.Personas))
	for _, name := range g.Personas {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("router: empty persona name")
		}
		if seen[name] {
			return nil, fmt.Errorf("router: duplicate persona %q", name)
		}
		seen[name] = true
		r.grammar.Personas = append(r.grammar.Personas, name)
		for _, style := range g.Styles {
			m, err := compilePersona(name, style)
			if err != nil {
				return nil, fmt.Errorf("router: %w", err)
			}
			r.markers = append(r.markers, m)
		}
	}
	for _, marker := range g.TerminalMarkers {
		if strings.TrimSpace(marker) == "" {
			return nil, fmt.Errorf("router: empty terminal marker")
		}
		re, err := compileTerminal(marker)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
		r.terminal = append(r.terminal, terminalPattern{marker: marker, re: re})
	}

	return r, nil
}

// Grammar returns the grammar the router was built with.
func (r *Router) Grammar() Grammar { return r.grammar }

// Personas returns the configured persona names.
func (r *Router) Personas() []string { return slices.Clone(r.grammar.Personas) }

type hit struct {
	persona string
	style   Style
	start   int // persona name start
	end     int // marker end
}

// Route decides what a lead turn asks for.
func (r *Router) Route(turn core.Turn) Decision {
	text := turn.Content

	for _, t := range r.terminal {
		if t.re.MatchString(text) {
			return Decision{Kind: Terminate, Turn: turn}
		}
	}

	hits := r.findAll(text)
	if len(hits) == 0 {
		return Decision{Kind: NoOp, Turn: turn}
	}

	first := hits[0]
	d := Decision{Kind: Dispatch, Persona: first.persona, Style: first.style, Turn: turn}

	stop := len(text)
	var candidates []string
	for _, h := range hits {
		if !slices.Contains(candidates, h.persona) {
			candidates = append(candidates, h.persona)
		}
		if h.start >= first.end && h.start < stop {
			stop = h.start
		}
	}
	d.Instruction = strings.TrimSpace(text[first.end:stop])
	if len(candidates) > 1 {
		d.Ambiguity = &core.RoutingAmbiguity{Chosen: first.persona, Candidates: candidates}
	}

	return d
}

// findAll returns every persona marker in text ordered by position. Ties
// at one position (a directive and a prefix marker for the same name
// cannot both match) fall back to configuration order.
func (r *Router) findAll(text string) []hit {
	var hits []hit
	for _, m := range r.markers {
		for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
			hits = append(hits, hit{persona: m.persona, style: m.style, start: loc[2], end: loc[1]})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return a.start - b.start })
	return hits
}
