package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		text string
		data any
		want string
	}{
		{"fast path", "no markers", nil, "no markers"},
		{"field", "Hi {{.Name}}", map[string]any{"Name": "Bob"}, "Hi Bob"},
		{"default", `{{default "friend" .Name}}`, map[string]any{"Name": ""}, "friend"},
		{"join", `{{join ", " .Names}}`, map[string]any{"Names": []string{"a", "b"}}, "a, b"},
		{"no html escaping", "{{.Q}}", map[string]any{"Q": `"FINISH" & <done>`}, `"FINISH" & <done>`},
		{"quote", "{{quote .Q}}", map[string]any{"Q": "FINISH"}, `"FINISH"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderTemplate(tt.text, tt.data)
			if err != nil {
				t.Fatalf("RenderTemplate error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderTemplate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderTemplate_Errors(t *testing.T) {
	if _, err := RenderTemplate("{{.Missing", nil); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := RenderTemplate("{{.Missing}}", map[string]any{}); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestRenderTemplate_Cached(t *testing.T) {
	text := "{{upper .Name}} joined"
	for _, name := range []string{"bob", "alice"} {
		got, err := RenderTemplate(text, map[string]any{"Name": name})
		if err != nil {
			t.Fatalf("RenderTemplate error: %v", err)
		}
		if want := strings.ToUpper(name) + " joined"; got != want {
			t.Errorf("RenderTemplate = %q, want %q", got, want)
		}
	}
}
