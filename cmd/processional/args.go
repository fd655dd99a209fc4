package main

import (
	"encoding/json"
	"strconv"
	"strings"
)

// parseArg reads a command line argument as an int, float, bool, JSON
// document or, failing those, a plain string.
func parseArg(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if trimmed := strings.TrimSpace(s); strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = parseArg(a)
	}
	return out
}
