package manifest

import (
	"math"
	"strconv"
	"strings"
)

// Clamps applied to recipe parameter values regardless of what the
// manifest declares.
const (
	minTextLength   = 1
	maxTextLength   = 1000
	maxColorLength  = 64
	defaultTextCap  = 500
	maxSelectLength = 200
)

// NormalizeParams filters a raw recipe parameter map against the
// manifest's declared params. Unknown keys are dropped, values are
// coerced to the declared type and clamped to the declared constraints.
// Values that cannot be coerced are dropped. The returned map is empty
// when nothing matched; callers treat that as a validation failure on
// recipe creation.
func (m *Manifest) NormalizeParams(raw map[string]any) map[string]any {
	normalized := make(map[string]any)
	for name, value := range raw {
		spec, ok := m.ParamByName(name)
		if !ok {
			continue
		}
		coerced, ok := coerceParam(spec, value)
		if !ok {
			continue
		}
		normalized[name] = coerced
	}
	return normalized
}

func coerceParam(spec Param, value any) (any, bool) {
	switch spec.Type {
	case ParamNumber:
		n, ok := toFloat(value)
		if !ok {
			return nil, false
		}
		if spec.Min != nil && n < *spec.Min {
			n = *spec.Min
		}
		if spec.Max != nil && n > *spec.Max {
			n = *spec.Max
		}
		return n, true

	case ParamToggle:
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, false
			}
			return b, true
		default:
			return nil, false
		}

	case ParamSelect:
		s, ok := toString(value)
		if !ok || len(s) > maxSelectLength {
			return nil, false
		}
		for _, option := range spec.Options {
			if s == option {
				return s, true
			}
		}
		return nil, false

	case ParamColor:
		s, ok := toString(value)
		if !ok {
			return nil, false
		}
		s = strings.TrimSpace(s)
		if s == "" || len(s) > maxColorLength {
			return nil, false
		}
		return s, true

	case ParamText:
		s, ok := toString(value)
		if !ok {
			return nil, false
		}
		limit := spec.MaxLength
		if limit <= 0 {
			limit = defaultTextCap
		}
		if limit < minTextLength {
			limit = minTextLength
		}
		if limit > maxTextLength {
			limit = maxTextLength
		}
		if len(s) > limit {
			s = s[:limit]
		}
		return s, true

	default:
		return nil, false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case float32:
		return toFloat(float64(v))
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func toString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
