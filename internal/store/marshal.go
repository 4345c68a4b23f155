package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/peersync/internal/ir"
)

// marshalCounters converts a Counters map to canonical JSON TEXT.
func marshalCounters(c ir.Counters) (string, error) {
	obj := make(map[string]any, len(c))
	for k, v := range c {
		obj[string(k)] = v
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal counters: %w", err)
	}
	return string(data), nil
}

// unmarshalCounters parses JSON TEXT into a Counters map. Empty input yields
// an empty map.
func unmarshalCounters(data string) (ir.Counters, error) {
	c := ir.Counters{}
	if data == "" || data == "{}" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshal counters: %w", err)
	}
	return c, nil
}

// marshalParams converts scope params to canonical JSON TEXT.
func marshalParams(params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	data, err := ir.MarshalCanonical(params)
	if err != nil {
		return "", fmt.Errorf("marshal scope params: %w", err)
	}
	return string(data), nil
}

func unmarshalParams(data string) (map[string]string, error) {
	params := map[string]string{}
	if data == "" || data == "{}" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(data), &params); err != nil {
		return nil, fmt.Errorf("unmarshal scope params: %w", err)
	}
	return params, nil
}

func marshalStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := ir.MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	var list []string
	if data == "" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return list, nil
}

// Timestamps are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
