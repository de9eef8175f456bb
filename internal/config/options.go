package config

import (
	"fmt"
	"time"
)

// OptString returns Options[key] if it is a string, otherwise "".
func (p ProviderEntry) OptString(key string) string {
	s, _ := p.Options[key].(string)
	return s
}

// OptFloat returns Options[key] as a float64. YAML integers are accepted.
func (p ProviderEntry) OptFloat(key string) (float64, bool) {
	switch v := p.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// OptInt returns Options[key] as an int. Whole floats are accepted.
func (p ProviderEntry) OptInt(key string) (int, bool) {
	switch v := p.Options[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// OptBool returns Options[key] if it is a bool.
func (p ProviderEntry) OptBool(key string) (value, ok bool) {
	value, ok = p.Options[key].(bool)
	return value, ok
}

// OptDuration parses Options[key] with [time.ParseDuration] syntax ("750ms").
// Invalid or missing values report false.
func (p ProviderEntry) OptDuration(key string) (time.Duration, bool) {
	s := p.OptString(key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

func formatOption(v any) string { return fmt.Sprintf("%#v", v) }
