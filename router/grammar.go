package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Style is a persona marker syntax.
type Style string

const (
	// StyleDirective matches "<Name> do: <instruction>". The persona is
	// briefed with the instruction and speaks in its own words.
	StyleDirective Style = "directive"
	// StylePrefix matches "<Name>: <text>". The text is already what the
	// persona says.
	StylePrefix Style = "prefix"
)

// DefaultTerminalMarker ends a conversation.
const DefaultTerminalMarker = "FINISH"

// Grammar is the routing vocabulary of one deployment.
type Grammar struct {
	// Personas lists the names the lead may address.
	Personas []string
	// TerminalMarkers end the session wherever they appear.
	TerminalMarkers []string
	// Styles lists the accepted persona marker syntaxes.
	Styles []Style
}

// DefaultGrammar returns a directive-style grammar for personas with the
// FINISH terminal marker.
func DefaultGrammar(personas ...string) Grammar {
	return Grammar{
		Personas:        personas,
		TerminalMarkers: []string{DefaultTerminalMarker},
		Styles:          []Style{StyleDirective},
	}
}

// ParseStyle maps a configuration value to a Style.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case StyleDirective:
		return StyleDirective, nil
	case StylePrefix:
		return StylePrefix, nil
	default:
		return "", fmt.Errorf("unknown marker style %q", s)
	}
}

// boundary matches the start of text or a non-word rune before a marker.
const boundary = `(?:^|[^\p{L}\p{N}_])`

type markerPattern struct {
	persona string
	style   Style
	re      *regexp.Regexp
}

func compilePersona(name string, style Style) (markerPattern, error) {
	var suffix string
	switch style {
	case StyleDirective:
		suffix = `\s+do:`
	case StylePrefix:
		suffix = `:`
	default:
		return markerPattern{}, fmt.Errorf("unknown marker style %q", style)
	}
	re, err := regexp.Compile(boundary + `(` + regexp.QuoteMeta(name) + `)` + suffix)
	if err != nil {
		return markerPattern{}, fmt.Errorf("compile marker for %q: %w", name, err)
	}
	return markerPattern{persona: name, style: style, re: re}, nil
}

func compileTerminal(marker string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(boundary + regexp.QuoteMeta(marker))
	if err != nil {
		return nil, fmt.Errorf("compile terminal marker %q: %w", marker, err)
	}
	return re, nil
}
