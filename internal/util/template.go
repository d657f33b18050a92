package util

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var funcs = template.FuncMap{
	"default": func(fallback, val any) any {
		if val == nil || val == "" {
			return fallback
		}
		return val
	},
	"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
	"quote": func(s string) string { return fmt.Sprintf("%q", s) },
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// parsed caches templates by source text. Every session renders the same
// orchestration template, so it is parsed once per process.
var parsed sync.Map

// RenderTemplate executes text as a text/template against data. Missing
// map keys are errors; text without actions is returned as is.
func RenderTemplate(text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := lookup(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func lookup(text string) (*template.Template, error) {
	if t, ok := parsed.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("prompt").Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, err
	}
	actual, _ := parsed.LoadOrStore(text, t)
	return actual.(*template.Template), nil
}
