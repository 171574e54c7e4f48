package llm

import (
	"fmt"
	"strings"

	"github.com/thoughtmap/internal/parser"
)

// JSONPrompt asks for a single JSON object; used by the non-streaming chat path
const JSONPrompt = `You are a knowledge exploration assistant that helps the user learn and understand any topic.

Your task:
1. Answer the user's question with a clear, well structured explanation.
2. After answering, suggest 3-5 related follow-up questions the user could explore next.

Reply with this JSON format:
{
  "answer": "your answer (Markdown)",
  "suggestedQuestions": ["question 1", "question 2", "question 3"]
}

Notes:
- The answer should be informative but not overly long.
- Suggested questions must relate to the current topic and help the user go deeper or broader.
- IMPORTANT: never suggest a question that is the same as, or semantically similar to, one the user already asked in this conversation.
- Always return valid JSON.`

// StreamPrompt asks for the answer followed by the separator and a JSON array; used when streaming
const StreamPrompt = `You are a knowledge exploration assistant that helps the user learn and understand any topic.

Your task:
1. Answer the user's question with a clear, well structured explanation.
2. After answering, suggest 3-5 related follow-up questions the user could explore next.

Response format (follow it strictly):
1. First write your answer directly (Markdown).
2. When the answer is complete, leave an empty line and output the separator ` + parser.Separator + `
3. After the separator, on a new line, output a JSON array with the suggested questions.

Example:
This is my answer to your question...

The answer can have several paragraphs...

` + parser.Separator + `
["Follow-up question 1", "Follow-up question 2", "Follow-up question 3"]

Strictly forbidden:
- Do not list suggested questions anywhere in the answer body (no "### Related questions", "Follow-up questions:" or similar).
- Suggested questions may only appear in the JSON array after the ` + parser.Separator + ` separator.
- Do not end the answer with a section like "You might also want to know" or "Continue exploring".

Other notes:
- The answer should be informative but not overly long.
- Never suggest a question that is the same as, or semantically similar to, one the user already asked.
- The separator must be exactly ` + parser.Separator + ` on a line of its own.`

// SuggestionPrompt is the system prompt for regenerating the follow-ups of one node
const SuggestionPrompt = `You are a knowledge exploration assistant. Based on the question and answer provided, generate 5 related follow-up questions the user could explore next.

Requirements:
1. Generate exactly 5 questions, never fewer.
2. Questions must relate to the original question and answer and help the user go deeper or broader.
3. Questions should be diverse and cover different directions (principles, applications, comparisons, history, future trends, ...).
4. Questions should be short and clear.
5. If a list of "already explored questions" is given, do not suggest anything the same as or similar to them.

Return this JSON format:
{"questions": ["question 1", "question 2", "question 3", "question 4", "question 5"]}`

const simplifiedAnswerLimit = 500

// suggestionRequest builds the user message for regeneration. The simplified form is
// used on retries: a truncated answer and no list of existing questions.
func suggestionRequest(question, answer string, existing []string, maxExisting int, simplified bool) string {
	var b strings.Builder
	if simplified {
		fmt.Fprintf(&b, "Question: %s\nAnswer: %s...\n\nGenerate 5 related follow-up questions to explore.", question, truncateRunes(answer, simplifiedAnswerLimit))
		return b.String()
	}

	fmt.Fprintf(&b, "Original question: %s\n\nOriginal answer: %s", question, answer)
	if len(existing) > 0 {
		if maxExisting > 0 && len(existing) > maxExisting {
			existing = existing[:maxExisting]
		}
		b.WriteString("\n\nAlready explored questions (do not suggest these or anything similar):\n")
		for i, q := range existing {
			fmt.Fprintf(&b, "%d. %s\n", i+1, q)
		}
	}
	b.WriteString("\n\nGenerate 5 new follow-up questions to explore.")
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
