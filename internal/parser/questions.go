package parser

import (
	"encoding/json"
	"strings"
)

// ParseQuestions reads the reply to a suggestion-regeneration prompt. Accepted shapes,
// in order: {"questions": [...]}, {"suggestedQuestions": [...]}, a bare array, an object
// with any array field, and finally the first bracketed array found in the text.
func ParseQuestions(raw string) []string {
	text := strings.TrimSpace(raw)
	if m := fencedBlockPattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if text == "" {
		return []string{}
	}

	if strings.HasPrefix(text, "[") {
		var items []any
		if decodeLenient(text, &items) {
			return keepStrings(items)
		}
	}

	if strings.HasPrefix(text, "{") {
		var obj map[string]json.RawMessage
		if decodeLenient(text, &obj) {
			if questions, ok := arrayField(obj, "questions"); ok {
				return questions
			}
			if questions, ok := arrayField(obj, "suggestedQuestions"); ok {
				return questions
			}
			for _, value := range obj {
				var items []any
				if json.Unmarshal(value, &items) != nil {
					continue
				}
				if questions := keepStrings(items); len(questions) > 0 {
					return questions
				}
			}
		}
	}

	return parseStringArray(bracketedArrayPattern.FindString(text))
}

func arrayField(obj map[string]json.RawMessage, key string) ([]string, bool) {
	value, ok := obj[key]
	if !ok {
		return nil, false
	}
	var items []any
	if err := json.Unmarshal(value, &items); err != nil {
		return nil, false
	}
	return keepStrings(items), true
}

// VisibleAnswer returns the part of a partially streamed response that should be shown
// live: everything before the separator, with any half-arrived separator prefix at the
// end removed.
func VisibleAnswer(partial string) string {
	if idx := strings.Index(partial, Separator); idx >= 0 {
		return strings.TrimRight(partial[:idx], " \t\r\n")
	}
	for n := len(Separator) - 1; n > 0; n-- {
		if strings.HasSuffix(partial, Separator[:n]) {
			return strings.TrimRight(partial[:len(partial)-n], " \t\r\n")
		}
	}
	return partial
}
