package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoughtmap/internal/retry"
	"github.com/thoughtmap/pkg/models"
)

// scriptedClient returns one reply per Complete call
type scriptedClient struct {
	replies []string
	errs    []error
	prompts []string
}

func (c *scriptedClient) Complete(ctx context.Context, history []Message, model string) (string, error) {
	i := len(c.prompts)
	c.prompts = append(c.prompts, history[len(history)-1].Content)
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(c.replies) {
		return c.replies[i], nil
	}
	return "", nil
}

func (c *scriptedClient) CompleteStream(ctx context.Context, history []Message, model string, onFragment func(string) error) (string, error) {
	return "", errors.New("not used")
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestRegenerate_FirstAttempt(t *testing.T) {
	client := &scriptedClient{replies: []string{`{"questions": ["A?", "B?", 3, ""]}`}}
	s := NewSuggester(client, fastPolicy(), 0)

	res, err := s.Regenerate(context.Background(), "What is Go?", "A language.", []string{"Who made Go?"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"A?", "B?"}, res.Questions)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Fallback)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Original question: What is Go?")
	assert.Contains(t, client.prompts[0], "1. Who made Go?")
}

func TestRegenerate_SecondAttemptIsSimplified(t *testing.T) {
	client := &scriptedClient{replies: []string{"sorry, no idea", `["X?", "Y?"]`}}
	s := NewSuggester(client, fastPolicy(), 0)

	answer := strings.Repeat("a", 800)
	res, err := s.Regenerate(context.Background(), "Q", answer, []string{"old"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"X?", "Y?"}, res.Questions)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"empty_list"}, res.Reasons)

	require.Len(t, client.prompts, 2)
	assert.NotContains(t, client.prompts[1], "old")
	assert.Contains(t, client.prompts[1], strings.Repeat("a", 500)+"...")
	assert.NotContains(t, client.prompts[1], strings.Repeat("a", 501))
}

func TestRegenerate_Fallback(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	s := NewSuggester(client, fastPolicy(), 0)

	question := strings.Repeat("q", 80)
	res, err := s.Regenerate(context.Background(), question, "answer", nil, "")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Len(t, res.Questions, 5)
	for _, q := range res.Questions {
		assert.Contains(t, q, strings.Repeat("q", 50))
		assert.NotContains(t, q, strings.Repeat("q", 51))
	}
	assert.Equal(t, []string{"request_failed", "request_failed"}, res.Reasons)
}

func TestRegenerate_CancelledContext(t *testing.T) {
	client := &scriptedClient{errs: []error{context.Canceled}}
	s := NewSuggester(client, fastPolicy(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Regenerate(ctx, "Q", "A", nil, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSuggestionRequest_CapsExisting(t *testing.T) {
	existing := make([]string, 30)
	for i := range existing {
		existing[i] = "question"
	}
	prompt := suggestionRequest("Q", "A", existing, 20, false)
	assert.Contains(t, prompt, "20. question")
	assert.NotContains(t, prompt, "21. question")
}

func TestBuildHistory(t *testing.T) {
	qas := []models.QA{
		{Question: "second", Answer: "2", Timestamp: 1},
		{Question: "first", Answer: "1", Timestamp: 0},
	}
	got := BuildHistory(qas, "third")
	want := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "1"},
		{Role: RoleUser, Content: "second"},
		{Role: RoleAssistant, Content: "2"},
		{Role: RoleUser, Content: "third"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildHistory mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "second", qas[0].Question, "input must not be reordered")

	withSys := WithSystem("sys", got)
	assert.Equal(t, RoleSystem, withSys[0].Role)
	assert.Len(t, withSys, 6)
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		provider Provider
		modelID  string
	}{
		{"gpt-4o", "gpt-4o", ProviderOpenAI, "gpt-4o"},
		{"", DefaultModel, ProviderOpenAI, DefaultModel},
		{"unknown-model", DefaultModel, ProviderOpenAI, DefaultModel},
		{"gemini-2.5-pro", "gemini-2.5-pro", ProviderGoogleAI, "gemini-2.5-pro"},
		{"command-r", "command-r", ProviderCohere, "command-r"},
		{"ollama:mistral", "ollama:mistral", ProviderOllama, "mistral"},
		{"ollama:", DefaultModel, ProviderOpenAI, DefaultModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := Lookup(tt.name)
			assert.Equal(t, tt.wantName, spec.Name)
			assert.Equal(t, tt.provider, spec.Provider)
			assert.Equal(t, tt.modelID, spec.ModelID)
		})
	}

	assert.True(t, Known("ollama:x"))
	assert.False(t, Known("ollama:"))
	assert.False(t, Known("gpt-17"))

	all := Models()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}
}
