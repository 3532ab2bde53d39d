package templatefmt

import (
	"strings"
	"testing"
	"time"
)

func TestParseRendersFenceNotification(t *testing.T) {
	t.Parallel()

	tmpl, err := Parse("outcome", `{{ upper .Kind }} {{ .FenceID }} {{ outcome .Code }} {{ or_dash .Target }} at {{ stamp .At }} {{ json .Extra }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data := struct {
		Kind    string
		FenceID string
		Code    int
		Target  string
		At      time.Time
		Extra   map[string]any
	}{
		Kind:    "add_result",
		FenceID: "home",
		Code:    3,
		At:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)),
		Extra:   map[string]any{"radius": 100},
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := `ADD_RESULT home failed(3) - at 2026-03-01T11:00:00Z {"radius":100}`
	if out.String() != want {
		t.Fatalf("rendered %q, want %q", out.String(), want)
	}
}

func TestParseRejectsBrokenTemplate(t *testing.T) {
	t.Parallel()

	if _, err := Parse("broken", "{{ .FenceID "); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestMissingKeyFailsRender(t *testing.T) {
	t.Parallel()

	tmpl, err := Parse("extra", `{{ .extra.radius }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, map[string]any{"extra": map[string]any{}}); err == nil {
		t.Fatalf("expected missing key error, got %q", out.String())
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	if got := Outcome(0); got != "ok" {
		t.Fatalf("Outcome(0) = %q", got)
	}
	if got := Stamp(time.Time{}); got != "-" {
		t.Fatalf("Stamp(zero) = %q", got)
	}
	if got := OrDash("  "); got != "-" {
		t.Fatalf("OrDash(blank) = %q", got)
	}
	if got := JSON(func() {}); got != "null" {
		t.Fatalf("JSON(func) = %q", got)
	}
}
