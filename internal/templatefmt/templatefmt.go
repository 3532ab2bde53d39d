// Package templatefmt holds the helper set available to notification templates.
package templatefmt

import (
	"encoding/json"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Parse compiles one notification template with the shared helpers.
// Missing map keys fail rendering instead of printing "<no value>".
func Parse(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(Funcs()).Option("missingkey=error").Parse(body)
}

// Funcs returns the helpers by template name.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"json":    JSON,
		"outcome": Outcome,
		"stamp":   Stamp,
		"upper":   strings.ToUpper,
		"or_dash": OrDash,
	}
}

// JSON renders value as compact JSON, or "null" when it cannot be encoded.
func JSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

// Outcome renders a backend result code as a short label.
// Params: backend result code, zero meaning success.
// Returns: "ok" or "failed(<code>)".
func Outcome(code int) string {
	if code == 0 {
		return "ok"
	}
	return "failed(" + strconv.Itoa(code) + ")"
}

// Stamp formats t in UTC with second precision; zero renders as "-".
func Stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func OrDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
