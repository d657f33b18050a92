package main

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/router"
)

// scriptedLead answers runs without a language model: the lead hands each
// group message to the next persona in turn and finishes when someone
// says bye; personas echo their instruction back.
type scriptedLead struct {
	personas []string
	marker   string
	style    router.Style
	next     atomic.Uint64
}

func newScriptedLead(cfg *config.Config) *scriptedLead {
	s := &scriptedLead{
		personas: cfg.PersonaNames(),
		marker:   router.DefaultTerminalMarker,
		style:    router.StyleDirective,
	}
	if len(cfg.Router.TerminalMarkers) > 0 {
		s.marker = cfg.Router.TerminalMarkers[0]
	}
	if len(cfg.Router.Styles) > 0 {
		if style, err := router.ParseStyle(cfg.Router.Styles[0]); err == nil {
			s.style = style
		}
	}
	return s
}

func (s *scriptedLead) reply(req model.Request) (string, error) {
	var last string
	if n := len(req.Messages); n > 0 {
		last = strings.TrimSpace(req.Messages[n-1].Content)
	}

	for _, name := range s.personas {
		if strings.HasPrefix(req.System, "You are "+name+" in a group chat") {
			instruction := req.System
			if i := strings.LastIndex(instruction, "Instruction: "); i >= 0 {
				instruction = instruction[i+len("Instruction: "):]
			}
			return fmt.Sprintf("%s: %s", name, instruction), nil
		}
	}

	switch {
	case last == "":
		return "OK", nil
	case strings.Contains(strings.ToLower(last), "bye"):
		return s.marker, nil
	case len(s.personas) == 0:
		return s.marker, nil
	}

	name := s.personas[int(s.next.Add(1)-1)%len(s.personas)]
	if s.style == router.StylePrefix {
		return fmt.Sprintf("%s: you said %q", name, last), nil
	}
	return fmt.Sprintf("%s do: reply to %q", name, last), nil
}
