package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/parser"
	"github.com/thoughtmap/internal/retry"
)

// DefaultMaxExisting caps how many already explored questions go into the prompt
const DefaultMaxExisting = 20

const fallbackTopicLimit = 50

// SuggestionResult is the outcome of a regeneration. Fallback is set when the model never
// produced a usable list and the questions are templates.
type SuggestionResult struct {
	Questions []string
	Attempts  int
	Fallback  bool
	Reasons   []string
}

// Suggester regenerates follow-up questions for one QA
type Suggester struct {
	client      Client
	policy      retry.Policy
	maxExisting int
}

// NewSuggester builds a suggester. A zero policy uses retry.DefaultPolicy and a
// non-positive maxExisting uses DefaultMaxExisting.
func NewSuggester(client Client, policy retry.Policy, maxExisting int) *Suggester {
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if maxExisting <= 0 {
		maxExisting = DefaultMaxExisting
	}
	return &Suggester{client: client, policy: policy, maxExisting: maxExisting}
}

var errNoQuestions = errors.New("no questions in response")

// Regenerate asks the model for new follow-ups. The first attempt sends the full answer
// and the existing questions; later attempts use a shorter prompt. When every attempt
// fails the result holds template questions derived from question. An error is only
// returned when ctx ends first.
func (s *Suggester) Regenerate(ctx context.Context, question, answer string, existing []string, model string) (SuggestionResult, error) {
	var questions []string

	res := retry.DoWithReason(ctx, s.policy, func(attempt int) (string, error) {
		prompt := suggestionRequest(question, answer, existing, s.maxExisting, attempt > 0)
		history := []Message{
			{Role: RoleSystem, Content: SuggestionPrompt},
			{Role: RoleUser, Content: prompt},
		}

		raw, err := s.client.Complete(ctx, history, model)
		if err != nil {
			return "request_failed", err
		}
		parsed := parser.ParseQuestions(raw)
		if len(parsed) == 0 {
			return "empty_list", errNoQuestions
		}
		questions = parsed
		return "", nil
	}, log.Logger)

	out := SuggestionResult{Attempts: res.Attempts, Reasons: res.Reasons}
	if res.Success {
		out.Questions = questions
		log.Debug().Int("attempts", res.Attempts).Int("questions", len(questions)).Msg("Suggestions regenerated")
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("regenerate suggestions: %w", err)
	}

	log.Warn().
		Err(res.LastError).
		Int("attempts", res.Attempts).
		Strs("reasons", res.Reasons).
		Msg("Suggestion regeneration failed, using fallback questions")
	out.Questions = FallbackQuestions(question)
	out.Fallback = true
	return out, nil
}

// FallbackQuestions builds generic follow-ups around the first characters of question
func FallbackQuestions(question string) []string {
	topic := truncateRunes(question, fallbackTopicLimit)
	return []string{
		fmt.Sprintf("What are the core principles behind %s?", topic),
		fmt.Sprintf("What are the practical applications of %s?", topic),
		fmt.Sprintf("How does %s compare with related ideas?", topic),
		fmt.Sprintf("How did %s develop historically?", topic),
		fmt.Sprintf("Where is %s heading in the future?", topic),
	}
}
