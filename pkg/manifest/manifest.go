// Package manifest parses and validates capsule manifests, sanitizes
// HTML entry files, and normalizes recipe parameter values against the
// manifest's declared params.
package manifest

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Runtime types an artifact can compile to.
const (
	RuntimeHTML     = "html"
	RuntimeReactJSX = "react-jsx"
)

// Runner values accepted in a manifest.
const (
	RunnerClientStatic = "client-static"
)

// Limits on manifest fields.
const (
	MaxEntryLength     = 512
	MaxParams          = 50
	MaxParamNameLength = 64
	MaxNetEntries      = 20
)

// Param declares one user-tunable parameter of a capsule. Recipes may
// only set parameters declared here; values are coerced and clamped to
// the declared constraints.
type Param struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Label     string   `json:"label,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Step      *float64 `json:"step,omitempty"`
	Options   []string `json:"options,omitempty"`
	MaxLength int      `json:"maxLength,omitempty"`
	Default   any      `json:"default,omitempty"`
}

// Param types.
const (
	ParamNumber = "number"
	ParamText   = "text"
	ParamSelect = "select"
	ParamColor  = "color"
	ParamToggle = "toggle"
)

// Capabilities declares what a capsule is allowed to reach at runtime.
// Net entries are host patterns (exact, "*.domain", or "host:port") and
// are intersected with the environment allowlist by the egress proxy.
type Capabilities struct {
	Net     []string `json:"net,omitempty"`
	Storage bool     `json:"storage,omitempty"`
	Workers bool     `json:"workers,omitempty"`
}

// Manifest is the capsule descriptor uploaded alongside the bundle.
type Manifest struct {
	Version      string       `json:"version"`
	Runner       string       `json:"runner"`
	Entry        string       `json:"entry"`
	Title        string       `json:"title,omitempty"`
	Description  string       `json:"description,omitempty"`
	Params       []Param      `json:"params,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// Issue is one structured validation failure, reported as a JSON path
// plus a human-readable message.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// Result is the outcome of validating a manifest.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Parse decodes and validates a raw manifest.json payload. A decode
// failure is reported as a validation error on the root path rather
// than a Go error so callers can surface it in the same envelope.
func Parse(data []byte) (*Manifest, Result) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Result{
			Valid:  false,
			Errors: []Issue{{Path: "$", Message: "manifest is not valid JSON: " + err.Error()}},
		}
	}
	result := m.Validate()
	if !result.Valid {
		return nil, result
	}
	return &m, result
}

// Validate checks the manifest against the versioned schema. Errors make
// the manifest unusable; warnings are advisory and surfaced to the
// uploader.
func (m *Manifest) Validate() Result {
	var errs, warns []Issue

	if m.Version == "" {
		errs = append(errs, Issue{Path: "version", Message: "required"})
	} else if m.Version != "1.0" {
		warns = append(warns, Issue{Path: "version", Message: fmt.Sprintf("unknown version %q, treating as 1.0", m.Version)})
	}

	if m.Runner == "" {
		errs = append(errs, Issue{Path: "runner", Message: "required"})
	} else if m.Runner != RunnerClientStatic {
		errs = append(errs, Issue{Path: "runner", Message: fmt.Sprintf("unsupported runner %q", m.Runner)})
	}

	switch {
	case m.Entry == "":
		errs = append(errs, Issue{Path: "entry", Message: "required"})
	case len(m.Entry) > MaxEntryLength:
		errs = append(errs, Issue{Path: "entry", Message: "too long"})
	case !validBundlePath(m.Entry):
		errs = append(errs, Issue{Path: "entry", Message: "must be a relative path inside the bundle"})
	case RuntimeForEntry(m.Entry) == "":
		errs = append(errs, Issue{Path: "entry", Message: fmt.Sprintf("unsupported entry extension %q", path.Ext(m.Entry))})
	}

	if len(m.Params) > MaxParams {
		errs = append(errs, Issue{Path: "params", Message: fmt.Sprintf("at most %d params", MaxParams)})
	}
	seen := make(map[string]bool, len(m.Params))
	for i, p := range m.Params {
		pp := fmt.Sprintf("params[%d]", i)
		if p.Name == "" {
			errs = append(errs, Issue{Path: pp + ".name", Message: "required"})
			continue
		}
		if len(p.Name) > MaxParamNameLength {
			errs = append(errs, Issue{Path: pp + ".name", Message: "too long"})
		}
		if seen[p.Name] {
			errs = append(errs, Issue{Path: pp + ".name", Message: fmt.Sprintf("duplicate param %q", p.Name)})
		}
		seen[p.Name] = true

		switch p.Type {
		case ParamNumber, ParamText, ParamColor, ParamToggle:
		case ParamSelect:
			if len(p.Options) == 0 {
				errs = append(errs, Issue{Path: pp + ".options", Message: "select param needs at least one option"})
			}
		case "":
			errs = append(errs, Issue{Path: pp + ".type", Message: "required"})
		default:
			errs = append(errs, Issue{Path: pp + ".type", Message: fmt.Sprintf("unknown type %q", p.Type)})
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			errs = append(errs, Issue{Path: pp, Message: "min exceeds max"})
		}
	}

	if len(m.Capabilities.Net) > MaxNetEntries {
		errs = append(errs, Issue{Path: "capabilities.net", Message: fmt.Sprintf("at most %d hosts", MaxNetEntries)})
	}
	for i, host := range m.Capabilities.Net {
		if !validHostPattern(host) {
			errs = append(errs, Issue{Path: fmt.Sprintf("capabilities.net[%d]", i), Message: fmt.Sprintf("invalid host pattern %q", host)})
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}

// RuntimeFor resolves the artifact runtime type from an explicit request
// or, when empty, from the manifest entry extension.
func (m *Manifest) RuntimeFor(explicit string) (string, error) {
	switch explicit {
	case RuntimeHTML, RuntimeReactJSX:
		return explicit, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported runtime type %q", explicit)
	}
	rt := RuntimeForEntry(m.Entry)
	if rt == "" {
		return "", fmt.Errorf("cannot infer runtime from entry %q", m.Entry)
	}
	return rt, nil
}

// RuntimeForEntry maps an entry file extension to a runtime type.
// Returns "" for unsupported extensions.
func RuntimeForEntry(entry string) string {
	switch strings.ToLower(path.Ext(entry)) {
	case ".html", ".htm":
		return RuntimeHTML
	case ".js", ".jsx", ".ts", ".tsx":
		return RuntimeReactJSX
	default:
		return ""
	}
}

// ParamByName looks up a declared parameter.
func (m *Manifest) ParamByName(name string) (Param, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// validBundlePath reports whether p is a clean relative path that stays
// inside the bundle root.
func validBundlePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return cleaned == p
}

// validHostPattern accepts exact hosts, "*.domain" wildcards, and
// "host:port" forms. It deliberately rejects schemes, paths, and bare
// wildcards.
func validHostPattern(pattern string) bool {
	if pattern == "" || pattern == "*" || strings.Contains(pattern, "/") || strings.Contains(pattern, " ") {
		return false
	}
	host := pattern
	if strings.HasPrefix(host, "*.") {
		host = host[2:]
	}
	if host == "" || strings.Contains(host, "*") {
		return false
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		port := host[i+1:]
		host = host[:i]
		if port == "" {
			return false
		}
		for _, c := range port {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return host != "" && !strings.HasPrefix(host, ".") && !strings.HasSuffix(host, ".")
}
