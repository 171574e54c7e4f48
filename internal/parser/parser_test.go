package parser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		answer      string
		suggestions []string
	}{
		{
			name:        "separator format",
			raw:         "Answer text\n\n---SUGGESTIONS---\n[\"Q1\",\"Q2\"]",
			answer:      "Answer text",
			suggestions: []string{"Q1", "Q2"},
		},
		{
			name:        "separator with malformed array",
			raw:         "Answer\n\n---SUGGESTIONS---\nnot json",
			answer:      "Answer",
			suggestions: []string{},
		},
		{
			name:        "separator with empty tail",
			raw:         "Answer\n---SUGGESTIONS---",
			answer:      "Answer",
			suggestions: []string{},
		},
		{
			name:        "separator with prose around the array",
			raw:         "Answer\n---SUGGESTIONS---\nHere they are: [\"What next?\"] enjoy",
			answer:      "Answer",
			suggestions: []string{"What next?"},
		},
		{
			name:        "separator with truncated array",
			raw:         "Answer\n---SUGGESTIONS---\n[\"What is a goroutine?\", \"How do chan",
			answer:      "Answer",
			suggestions: []string{"What is a goroutine?", "How do chan"},
		},
		{
			name:        "separator drops non-string and blank entries",
			raw:         "Answer\n---SUGGESTIONS---\n[\"Why?\", 42, \"  \", null]",
			answer:      "Answer",
			suggestions: []string{"Why?"},
		},
		{
			name:        "trailing array of plausible questions",
			raw:         "Some answer text.\n\n[\"What is X?\",\"How does Y work?\",\"Why Z?\"]",
			answer:      "Some answer text.",
			suggestions: []string{"What is X?", "How does Y work?", "Why Z?"},
		},
		{
			name:        "bracketed line earlier in the answer",
			raw:         "Loops changed.\n[Note] Go 1.22 gave each iteration its own variable.\n\n[\"What is X?\",\"How does Y work?\",\"Why Z?\"]",
			answer:      "Loops changed.\n[Note] Go 1.22 gave each iteration its own variable.",
			suggestions: []string{"What is X?", "How does Y work?", "Why Z?"},
		},
		{
			name:        "trailing array over several lines",
			raw:         "Answer.\n\n[\n  \"What is X?\",\n  \"How does Y work?\",\n  \"Why Z?\"\n]\n",
			answer:      "Answer.",
			suggestions: []string{"What is X?", "How does Y work?", "Why Z?"},
		},
		{
			name:        "short trailing array is kept in the answer",
			raw:         "Pick one:\n\n[\"a\", \"b\"]",
			answer:      "Pick one:\n\n[\"a\", \"b\"]",
			suggestions: []string{},
		},
		{
			name:        "trailing array with an implausible entry is kept",
			raw:         "Values:\n\n[\"alpha value\", \"beta value\", \"c\"]",
			answer:      "Values:\n\n[\"alpha value\", \"beta value\", \"c\"]",
			suggestions: []string{},
		},
		{
			name:        "json object",
			raw:         `{"answer": "Go is a language.", "suggestedQuestions": ["Who made Go?", 3, ""]}`,
			answer:      "Go is a language.",
			suggestions: []string{"Who made Go?"},
		},
		{
			name:        "json object in fenced block",
			raw:         "Here you go:\n```json\n{\"answer\": \"A\", \"suggestedQuestions\": [\"Why is A true?\"]}\n```",
			answer:      "A",
			suggestions: []string{"Why is A true?"},
		},
		{
			name:        "json object with trailing comma",
			raw:         `{"answer": "Fixed.", "suggestedQuestions": ["Is it fixed?",],}`,
			answer:      "Fixed.",
			suggestions: []string{"Is it fixed?"},
		},
		{
			name:        "json object without answer falls back to text",
			raw:         `{"suggestedQuestions": ["Orphan?"]}`,
			answer:      `{"suggestedQuestions": ["Orphan?"]}`,
			suggestions: []string{},
		},
		{
			name:        "labelled markdown list",
			raw:         "Answer body.\n\n### Related questions\n- How does caching work?\n- What is a CDN?\n",
			answer:      "Answer body.",
			suggestions: []string{"How does caching work?", "What is a CDN?"},
		},
		{
			name:        "bold label followed by array",
			raw:         "Answer body.\n\n**You might also ask:**\n[\"What is a goroutine?\", \"How do channels work?\"]",
			answer:      "Answer body.",
			suggestions: []string{"What is a goroutine?", "How do channels work?"},
		},
		{
			name:        "chinese label with numbered list",
			raw:         "答案。\n\n相关问题：\n1. 什么是协程呢？\n2. 通道如何工作？",
			answer:      "答案。",
			suggestions: []string{"什么是协程呢？", "通道如何工作？"},
		},
		{
			name:        "dangling label is stripped",
			raw:         "Answer body.\n\n## Continue exploring\n",
			answer:      "Answer body.",
			suggestions: []string{},
		},
		{
			name:        "plain text",
			raw:         "  Just an answer.  ",
			answer:      "Just an answer.",
			suggestions: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.raw)
			assert.Equal(t, tt.answer, res.Answer)
			assert.Equal(t, tt.suggestions, res.SuggestedQuestions)
		})
	}
}

func TestParse_Idempotent(t *testing.T) {
	inputs := []string{
		"Some answer text.\n\n[\"What is X?\",\"How does Y work?\",\"Why Z?\"]",
		"Answer text\n\n---SUGGESTIONS---\n[\"Q1\",\"Q2\"]",
		"Answer body.\n\n### Related questions\n- How does caching work?\n- What is a CDN?",
		"A paragraph.\n\nAnother paragraph with a list:\n- one\n- two",
	}

	for _, raw := range inputs {
		first := Parse(raw)
		second := Parse(first.Answer)
		assert.Equal(t, first.Answer, second.Answer, "input %q", raw)
		assert.Empty(t, second.SuggestedQuestions, "input %q", raw)
	}
}

func TestParse_NeverNilSuggestions(t *testing.T) {
	for _, raw := range []string{"", "x", "---SUGGESTIONS---", "{", "["} {
		res := Parse(raw)
		require.NotNil(t, res.SuggestedQuestions, "input %q", raw)

		data, err := json.Marshal(res)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"suggestedQuestions":[]`)
	}
}

func TestParseQuestions(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"questions field", `{"questions": ["What is A?", "What is B?"]}`, []string{"What is A?", "What is B?"}},
		{"suggestedQuestions field", `{"suggestedQuestions": ["Why C?"]}`, []string{"Why C?"}},
		{"bare array", `["One?", "Two?"]`, []string{"One?", "Two?"}},
		{"any array field", `{"items": ["Only one?"]}`, []string{"Only one?"}},
		{"fenced block", "```json\n{\"questions\": [\"Fenced?\"]}\n```", []string{"Fenced?"}},
		{"prose around array", `Sure! Here: ["Q1", "Q2"] hope this helps`, []string{"Q1", "Q2"}},
		{"truncated object", `{"questions": ["A?", "B?"`, []string{"A?", "B?"}},
		{"empty", "", []string{}},
		{"no array", "I cannot help with that.", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseQuestions(tt.raw))
		})
	}
}

func TestVisibleAnswer(t *testing.T) {
	tests := []struct {
		partial string
		want    string
	}{
		{"Hello", "Hello"},
		{"Hello\n\n---SUGG", "Hello"},
		{"Hello\n\n---SUGGESTIONS---", "Hello"},
		{"Hello\n\n---SUGGESTIONS---\n[\"Q", "Hello"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, VisibleAnswer(tt.partial), "partial %q", tt.partial)
	}
}

func TestRepairJSON(t *testing.T) {
	t.Run("valid input is untouched", func(t *testing.T) {
		repaired, strategies, ok := repairJSON(`{"a": 1}`)
		require.True(t, ok)
		assert.Equal(t, `{"a": 1}`, repaired)
		assert.Empty(t, strategies)
	})

	t.Run("trailing commas", func(t *testing.T) {
		repaired, strategies, ok := repairJSON(`{"a": [1, 2,]}`)
		require.True(t, ok)
		assert.Equal(t, `{"a": [1, 2]}`, repaired)
		assert.Equal(t, []string{"trailing_commas"}, strategies)
	})

	t.Run("completion closes an open string and brackets", func(t *testing.T) {
		repaired, strategies, ok := repairJSON(`["one", "tw`)
		require.True(t, ok)
		assert.Equal(t, `["one", "tw"]`, repaired)
		assert.Equal(t, []string{"completion"}, strategies)
	})

	t.Run("nested completion is LIFO", func(t *testing.T) {
		repaired, _, ok := repairJSON(`{"a": [{"b": 1}`)
		require.True(t, ok)
		assert.Equal(t, `{"a": [{"b": 1}]}`, repaired)
	})

	t.Run("brackets inside strings are ignored", func(t *testing.T) {
		assert.False(t, needsCompletion(`{"a": "[{"}`))
	})
}
