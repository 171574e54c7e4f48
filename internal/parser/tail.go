package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Plausible suggested questions are between these rune lengths (exclusive)
const (
	minQuestionLen = 5
	maxQuestionLen = 100

	// a label-free trailing array must have at least this many entries
	minTrailingArrayItems = 3
)

// suggestionLabel matches the headings models use when they list follow-ups inline
const suggestionLabel = `(?:` +
	`(?:related|follow[- ]?up|suggested|recommended|further|next)[ \t]+(?:questions?|topics?)` +
	`|questions?[ \t]+(?:to|for)[ \t]+(?:explore|consider|further[ \t]+exploration)` +
	`|(?:continue|keep)[ \t]+exploring|explore[ \t]+further` +
	`|you[ \t]+(?:might|may)[ \t]+also[ \t]+(?:ask|like|want[ \t]+to[ \t]+know)` +
	`|相关问题|后续问题|推荐问题|延伸问题|进一步探索|继续探索|你可能还想了解|你可能感兴趣的问题` +
	`)`

// labelLine is an optional rule, an optional heading or bold marker, then the label text
const labelLine = `\n+(?:-{3,}[ \t]*\n+)?[ \t]*(?:#{1,4}[ \t]*)?(?:\*{1,2})?[ \t]*` + suggestionLabel + `[^\n\[]*?`

var (
	labelledArrayPattern = regexp.MustCompile(`(?is)` + labelLine + `[:：]?[ \t]*\n*[ \t]*(\[.*?\])\s*$`)
	labelledListPattern  = regexp.MustCompile(`(?is)` + labelLine + `\n+((?:[ \t]*(?:[-*+•]|\d+[.)])[ \t]+[^\n]+\n?)+)\s*$`)
	danglingLabelPattern = regexp.MustCompile(`(?is)\n+(?:-{3,}[ \t]*\n+)?[ \t]*(?:` +
		`#{1,4}[ \t]*(?:\*{1,2})?[ \t]*` + suggestionLabel + `[^\n]*` +
		`|\*{1,2}[ \t]*` + suggestionLabel + `[^\n]*` +
		`|` + suggestionLabel + `[^\n]*[:：]` +
		`)\s*$`)

	listMarker = regexp.MustCompile(`^[ \t]*(?:[-*+•]|\d+[.)])[ \t]+`)
)

// tailMatcher looks for a suggestion section at the end of an answer. It returns the
// answer with the section removed and the questions it found.
type tailMatcher func(answer string) (cleaned string, questions []string, ok bool)

// tailMatchers are tried in order; labelled shapes before the generic trailing array
var tailMatchers = []tailMatcher{
	matchLabelledArray,
	matchLabelledList,
	matchTrailingArray,
}

func scanTail(answer string) (string, []string) {
	for _, match := range tailMatchers {
		if cleaned, questions, ok := match(answer); ok {
			return cleaned, questions
		}
	}
	return answer, []string{}
}

func matchLabelledArray(answer string) (string, []string, bool) {
	loc := labelledArrayPattern.FindStringSubmatchIndex(answer)
	if loc == nil {
		return "", nil, false
	}
	questions := plausible(parseStringArray(answer[loc[2]:loc[3]]))
	if len(questions) == 0 {
		return "", nil, false
	}
	return strings.TrimSpace(answer[:loc[0]]), questions, true
}

func matchLabelledList(answer string) (string, []string, bool) {
	loc := labelledListPattern.FindStringSubmatchIndex(answer)
	if loc == nil {
		return "", nil, false
	}
	var items []string
	for _, line := range strings.Split(answer[loc[2]:loc[3]], "\n") {
		item := listMarker.ReplaceAllString(line, "")
		item = strings.Trim(strings.TrimSpace(item), `*"'“”`)
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	questions := plausible(items)
	if len(questions) == 0 {
		return "", nil, false
	}
	return strings.TrimSpace(answer[:loc[0]]), questions, true
}

// matchTrailingArray only fires for arrays that clearly look like questions, so a
// legitimate trailing array in the answer body is left alone. Candidates start at a line
// beginning with '[' and are tried from the last one backwards.
func matchTrailingArray(answer string) (string, []string, bool) {
	trimmed := strings.TrimRightFunc(answer, unicode.IsSpace)
	if !strings.HasSuffix(trimmed, "]") {
		return "", nil, false
	}
	for end := len(trimmed); ; {
		i := strings.LastIndex(trimmed[:end], "\n[")
		if i < 0 {
			return "", nil, false
		}
		if items, ok := questionArray(trimmed[i+1:]); ok {
			return strings.TrimSpace(trimmed[:i]), items, true
		}
		end = i
	}
}

func questionArray(text string) ([]string, bool) {
	items := parseStringArray(text)
	if len(items) < minTrailingArrayItems {
		return nil, false
	}
	for _, q := range items {
		if !isPlausibleQuestion(q) {
			return nil, false
		}
	}
	return items, true
}

// stripDanglingLabel removes a suggestion heading left at the very end with nothing under it
func stripDanglingLabel(answer string) string {
	loc := danglingLabelPattern.FindStringIndex(answer)
	if loc == nil {
		return answer
	}
	return strings.TrimSpace(answer[:loc[0]])
}

func plausible(items []string) []string {
	out := make([]string, 0, len(items))
	for _, q := range items {
		if isPlausibleQuestion(q) {
			out = append(out, q)
		}
	}
	return out
}

func isPlausibleQuestion(q string) bool {
	n := utf8.RuneCountInString(q)
	return n > minQuestionLen && n < maxQuestionLen
}
