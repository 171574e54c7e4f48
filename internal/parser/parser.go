// Package parser turns raw LLM output into an answer plus follow-up questions.
//
// The model is asked to reply in one of two shapes (separator format when streaming,
// a JSON object otherwise) but does not always comply, so parsing is a chain of
// candidate extractors tried in order, followed by a heuristic scan of the answer tail
// for suggestion sections the model wrote inline. Nothing here returns an error: text
// with no recognizable structure is simply the answer.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Separator is the marker line placed between the answer and the suggestion array
const Separator = "---SUGGESTIONS---"

// Result is the parsed form of one LLM response
type Result struct {
	Answer             string   `json:"answer"`
	SuggestedQuestions []string `json:"suggestedQuestions"`
}

// Extractor recognizes one response shape. ok is false when the shape does not apply.
type Extractor func(text string) (res Result, ok bool)

// Extractors is the ordered list Parse tries before falling back to plain text
var Extractors = []Extractor{
	ExtractSeparator,
	ExtractJSONObject,
}

// Parse extracts the answer and suggested questions from raw. It is pure and never fails.
func Parse(raw string) Result {
	res, matched := Result{}, false
	for _, extract := range Extractors {
		if res, matched = extract(raw); matched {
			break
		}
	}
	if !matched {
		res = Result{Answer: strings.TrimSpace(raw)}
	}

	if len(res.SuggestedQuestions) == 0 {
		answer, questions := scanTail(res.Answer)
		res.Answer = answer
		res.SuggestedQuestions = questions
	}
	res.Answer = stripDanglingLabel(res.Answer)

	if res.SuggestedQuestions == nil {
		res.SuggestedQuestions = []string{}
	}
	return res
}

// ExtractSeparator handles "answer\n\n---SUGGESTIONS---\n[...]". Once the separator is
// present the shape is decided, even when the array after it cannot be read.
func ExtractSeparator(text string) (Result, bool) {
	idx := strings.Index(text, Separator)
	if idx < 0 {
		return Result{}, false
	}
	return Result{
		Answer:             strings.TrimSpace(text[:idx]),
		SuggestedQuestions: parseStringArray(text[idx+len(Separator):]),
	}, true
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

type jsonResponse struct {
	Answer             *string `json:"answer"`
	SuggestedQuestions []any   `json:"suggestedQuestions"`
}

// ExtractJSONObject handles {"answer": ..., "suggestedQuestions": [...]}, either as the
// whole text or inside a fenced code block.
func ExtractJSONObject(text string) (Result, bool) {
	candidates := []string{strings.TrimSpace(text)}
	if m := fencedBlockPattern.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	for _, candidate := range candidates {
		if !strings.HasPrefix(candidate, "{") {
			continue
		}
		var parsed jsonResponse
		if !decodeLenient(candidate, &parsed) {
			continue
		}
		if parsed.Answer == nil || strings.TrimSpace(*parsed.Answer) == "" {
			continue
		}
		return Result{
			Answer:             strings.TrimSpace(*parsed.Answer),
			SuggestedQuestions: keepStrings(parsed.SuggestedQuestions),
		}, true
	}
	return Result{}, false
}

var bracketedArrayPattern = regexp.MustCompile(`(?s)\[.*?\]`)

// parseStringArray reads a JSON array of strings, tolerating surrounding prose and
// near-JSON. Anything unreadable yields an empty list.
func parseStringArray(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}
	}

	var items []any
	if err := json.Unmarshal([]byte(text), &items); err == nil {
		return keepStrings(items)
	}

	if m := bracketedArrayPattern.FindString(text); m != "" {
		if err := json.Unmarshal([]byte(m), &items); err == nil {
			return keepStrings(items)
		}
	}

	if strings.HasPrefix(text, "[") && decodeLenient(text, &items) {
		return keepStrings(items)
	}
	return []string{}
}

// keepStrings drops non-string and blank entries
func keepStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
