package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Keys recognized on every pipeline entry
const (
	KeyProcessorName           = "processorName"
	KeyProcessorLabel          = "processorLabel"
	KeyJumpTo                  = "jumpTo"
	KeyIncludeFiles            = "includeFiles"
	KeyExcludeFiles            = "excludeFiles"
	KeyAlwaysRun               = "alwaysRun"
	KeyFailDeploymentOnFailure = "failDeploymentOnFailure"
	KeyRunInClusterMode        = "runInClusterMode"
)

// ProcessorConfig is the flat key/value bag of one pipeline entry.
// Nested maps are addressed with dotted keys ("remoteRepo.url").
type ProcessorConfig map[string]interface{}

// Name returns the processor type identifier
func (p ProcessorConfig) Name() string {
	return p.String(KeyProcessorName, "")
}

// Label returns the optional jump target identity
func (p ProcessorConfig) Label() string {
	return p.String(KeyProcessorLabel, "")
}

// Has reports whether the key is present
func (p ProcessorConfig) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Get looks up a value, walking nested maps for dotted keys
func (p ProcessorConfig) Get(key string) (interface{}, bool) {
	if v, ok := p[key]; ok {
		return v, true
	}

	parts := strings.Split(key, ".")
	if len(parts) == 1 {
		return nil, false
	}

	var current interface{} = map[string]interface{}(p)
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// String returns a string value or the default
func (p ProcessorConfig) String(key, def string) string {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

// Bool returns a boolean value or the default. String values are parsed.
func (p ProcessorConfig) Bool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return def
}

// Int returns an integer value or the default
func (p ProcessorConfig) Int(key string, def int) int {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return def
}

// Seconds returns a duration configured in seconds
func (p ProcessorConfig) Seconds(key string, def time.Duration) time.Duration {
	if !p.Has(key) {
		return def
	}
	return time.Duration(p.Int(key, int(def/time.Second))) * time.Second
}

// Strings returns a list value. A single string is treated as a one-element list.
func (p ProcessorConfig) Strings(key string) []string {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return append([]string(nil), val...)
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// Clone returns a deep copy of the bag
func (p ProcessorConfig) Clone() ProcessorConfig {
	if p == nil {
		return nil
	}
	out := make(ProcessorConfig, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case ProcessorConfig:
		return val.Clone()
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return val
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case ProcessorConfig:
		return m, true
	}
	return nil, false
}
