package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifestJSON() []byte {
	return []byte(`{
		"version": "1.0",
		"runner": "client-static",
		"entry": "index.html",
		"params": [
			{"name": "speed", "type": "number", "min": 0, "max": 10},
			{"name": "theme", "type": "select", "options": ["light", "dark"]},
			{"name": "label", "type": "text", "maxLength": 20},
			{"name": "accent", "type": "color"},
			{"name": "sound", "type": "toggle"}
		],
		"capabilities": {"net": ["api.github.com", "*.example.com"]}
	}`)
}

func TestParseValidManifest(t *testing.T) {
	m, result := Parse(validManifestJSON())
	require.True(t, result.Valid, "errors: %v", result.Errors)
	require.NotNil(t, m)
	assert.Equal(t, "client-static", m.Runner)
	assert.Equal(t, "index.html", m.Entry)
	assert.Len(t, m.Params, 5)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	m, result := Parse([]byte(`{not json`))
	assert.Nil(t, m)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "$", result.Errors[0].Path)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(m *Manifest)
		wantPath string
	}{
		{"missing version", func(m *Manifest) { m.Version = "" }, "version"},
		{"missing runner", func(m *Manifest) { m.Runner = "" }, "runner"},
		{"unknown runner", func(m *Manifest) { m.Runner = "server-side" }, "runner"},
		{"missing entry", func(m *Manifest) { m.Entry = "" }, "entry"},
		{"absolute entry", func(m *Manifest) { m.Entry = "/etc/passwd" }, "entry"},
		{"traversal entry", func(m *Manifest) { m.Entry = "../outside.html" }, "entry"},
		{"bad extension", func(m *Manifest) { m.Entry = "main.py" }, "entry"},
		{"select without options", func(m *Manifest) {
			m.Params = []Param{{Name: "x", Type: ParamSelect}}
		}, "params[0].options"},
		{"duplicate param", func(m *Manifest) {
			m.Params = []Param{{Name: "x", Type: ParamText}, {Name: "x", Type: ParamText}}
		}, "params[1].name"},
		{"bare wildcard host", func(m *Manifest) {
			m.Capabilities.Net = []string{"*"}
		}, "capabilities.net[0]"},
		{"host with path", func(m *Manifest) {
			m.Capabilities.Net = []string{"example.com/api"}
		}, "capabilities.net[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Manifest{Version: "1.0", Runner: RunnerClientStatic, Entry: "index.html"}
			tt.mutate(&m)
			result := m.Validate()
			require.False(t, result.Valid)
			found := false
			for _, issue := range result.Errors {
				if issue.Path == tt.wantPath {
					found = true
				}
			}
			assert.True(t, found, "expected error at %s, got %v", tt.wantPath, result.Errors)
		})
	}
}

func TestValidateUnknownVersionWarns(t *testing.T) {
	m := Manifest{Version: "2.0", Runner: RunnerClientStatic, Entry: "index.html"}
	result := m.Validate()
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "version", result.Warnings[0].Path)
}

func TestRuntimeForEntry(t *testing.T) {
	assert.Equal(t, RuntimeHTML, RuntimeForEntry("index.html"))
	assert.Equal(t, RuntimeHTML, RuntimeForEntry("pages/Main.HTM"))
	assert.Equal(t, RuntimeReactJSX, RuntimeForEntry("app.jsx"))
	assert.Equal(t, RuntimeReactJSX, RuntimeForEntry("src/main.tsx"))
	assert.Equal(t, RuntimeReactJSX, RuntimeForEntry("main.js"))
	assert.Equal(t, "", RuntimeForEntry("styles.css"))
	assert.Equal(t, "", RuntimeForEntry("README"))
}

func TestRuntimeForExplicitType(t *testing.T) {
	m := Manifest{Entry: "index.html"}

	rt, err := m.RuntimeFor("")
	require.NoError(t, err)
	assert.Equal(t, RuntimeHTML, rt)

	rt, err = m.RuntimeFor(RuntimeReactJSX)
	require.NoError(t, err)
	assert.Equal(t, RuntimeReactJSX, rt)

	_, err = m.RuntimeFor("wasm")
	assert.Error(t, err)
}

func TestNormalizeParams(t *testing.T) {
	m, result := Parse(validManifestJSON())
	require.True(t, result.Valid)

	normalized := m.NormalizeParams(map[string]any{
		"speed":   float64(99),
		"theme":   "dark",
		"label":   strings.Repeat("a", 50),
		"accent":  "  #ff0000  ",
		"sound":   "true",
		"unknown": "dropped",
	})

	assert.Equal(t, float64(10), normalized["speed"], "clamped to max")
	assert.Equal(t, "dark", normalized["theme"])
	assert.Equal(t, strings.Repeat("a", 20), normalized["label"], "truncated to maxLength")
	assert.Equal(t, "#ff0000", normalized["accent"])
	assert.Equal(t, true, normalized["sound"])
	assert.NotContains(t, normalized, "unknown")
}

func TestNormalizeParamsDropsUncoercible(t *testing.T) {
	m, result := Parse(validManifestJSON())
	require.True(t, result.Valid)

	normalized := m.NormalizeParams(map[string]any{
		"speed": "not a number",
		"theme": "sepia",
		"sound": 3.14,
	})
	assert.Empty(t, normalized)
}

func TestNormalizeParamsNumberCoercion(t *testing.T) {
	m := Manifest{Params: []Param{{Name: "n", Type: ParamNumber, Min: ptr(1.0), Max: ptr(5.0)}}}

	normalized := m.NormalizeParams(map[string]any{"n": "3.5"})
	assert.Equal(t, 3.5, normalized["n"])

	normalized = m.NormalizeParams(map[string]any{"n": float64(-10)})
	assert.Equal(t, 1.0, normalized["n"], "clamped to min")
}

func TestSanitizeHTMLStripsScripts(t *testing.T) {
	source := []byte(`<html><head><script src="evil.js"></script></head>` +
		`<body onload="boom()"><p onclick="x()">hi</p>` +
		`<a href="javascript:alert(1)">link</a>` +
		`<script>alert(2)</script></body></html>`)

	out, err := SanitizeHTML(source, "/capsules/abc/")
	require.NoError(t, err)
	rendered := string(out)

	assert.NotContains(t, rendered, "<script")
	assert.NotContains(t, rendered, "onload")
	assert.NotContains(t, rendered, "onclick")
	assert.NotContains(t, rendered, "javascript:")
	assert.Contains(t, rendered, `<base href="/capsules/abc/"`)
	assert.Contains(t, rendered, `id="capsule-root"`)
}

func TestSanitizeHTMLKeepsExistingRoot(t *testing.T) {
	source := []byte(`<html><body><div id="capsule-root">app</div></body></html>`)
	out, err := SanitizeHTML(source, "/c/")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(out), `id="capsule-root"`))
}

func ptr(f float64) *float64 { return &f }
