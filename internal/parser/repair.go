package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	trailingCommaObject = regexp.MustCompile(`,\s*}`)
	trailingCommaArray  = regexp.MustCompile(`,\s*]`)
)

// repairJSON tries to turn near-JSON into valid JSON using, in order:
// 1. trailing comma removal
// 2. completion of unclosed objects/arrays (a stream cut off mid-array)
// 3. the jsonrepair library as the last resort
// ok is false when no strategy produced valid JSON.
func repairJSON(raw string) (repaired string, strategies []string, ok bool) {
	if json.Valid([]byte(raw)) {
		return raw, nil, true
	}
	repaired = raw

	if strings.Contains(repaired, ",}") || strings.Contains(repaired, ",]") ||
		trailingCommaObject.MatchString(repaired) || trailingCommaArray.MatchString(repaired) {
		repaired = trailingCommaObject.ReplaceAllString(repaired, "}")
		repaired = trailingCommaArray.ReplaceAllString(repaired, "]")
		strategies = append(strategies, "trailing_commas")
	}

	if needsCompletion(repaired) {
		repaired = completeJSON(repaired)
		strategies = append(strategies, "completion")
	}

	if json.Valid([]byte(repaired)) {
		return repaired, strategies, true
	}

	libraryRepaired, err := jsonrepair.JSONRepair(repaired)
	if err == nil && json.Valid([]byte(libraryRepaired)) {
		return libraryRepaired, append(strategies, "jsonrepair_library"), true
	}
	return repaired, strategies, false
}

// decodeLenient unmarshals raw into target, repairing it first when needed.
// Failures are reported as false, never as errors.
func decodeLenient(raw string, target any) bool {
	if err := json.Unmarshal([]byte(raw), target); err == nil {
		return true
	}
	repaired, _, ok := repairJSON(raw)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(repaired), target) == nil
}

// needsCompletion checks for unclosed braces or brackets outside of strings
func needsCompletion(s string) bool {
	return len(openStack(s)) > 0
}

// completeJSON closes open structures in LIFO order, terminating an open string first
func completeJSON(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ",")
	stack := openStack(s)
	if inString(s) {
		s += `"`
	}
	var b strings.Builder
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteRune(stack[i])
	}
	return b.String()
}

func openStack(s string) []rune {
	var stack []rune
	quoted, escaped := false, false
	for _, r := range s {
		if quoted {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				quoted = false
			}
			continue
		}
		switch r {
		case '"':
			quoted = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == r {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return stack
}

func inString(s string) bool {
	quoted, escaped := false, false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case quoted && r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
		}
	}
	return quoted
}
