// Package llm talks to language models through langchaingo and builds the prompts and
// chat histories the mind map needs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when a provider answers without any content
var ErrEmptyResponse = errors.New("llm: empty response")

// Client is what the rest of the application needs from a language model.
// Complete expects a JSON reply. CompleteStream calls onFragment for every chunk in
// arrival order and returns the concatenated text; an error from onFragment aborts the
// request.
type Client interface {
	Complete(ctx context.Context, history []Message, model string) (string, error)
	CompleteStream(ctx context.Context, history []Message, model string, onFragment func(fragment string) error) (string, error)
}

// ModelFactory creates the langchaingo model for a spec
type ModelFactory func(ctx context.Context, spec ModelSpec) (llms.Model, error)

// Options configures a LangchainClient
type Options struct {
	OpenAIKey     string
	OpenAIBaseURL string
	AnthropicKey  string
	GoogleKey     string
	CohereKey     string
	OllamaURL     string

	MaxTokens   int
	Temperature float64

	// RequestsPerMinute limits calls across all models; zero disables the limit
	RequestsPerMinute int
	Burst             int

	// Factory replaces the provider constructors, mainly for tests
	Factory ModelFactory
}

// LangchainClient implements Client on top of langchaingo providers. Models are created
// lazily and cached per name.
type LangchainClient struct {
	opts    Options
	limiter *rate.Limiter
	factory ModelFactory

	mu     sync.Mutex
	models map[string]llms.Model
}

// NewLangchainClient returns a client for opts
func NewLangchainClient(opts Options) *LangchainClient {
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	c := &LangchainClient{
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		models:  make(map[string]llms.Model),
	}
	c.factory = opts.Factory
	if c.factory == nil {
		c.factory = c.newModel
	}
	return c
}

// Complete implements Client
func (c *LangchainClient) Complete(ctx context.Context, history []Message, model string) (string, error) {
	spec, llm, err := c.prepare(ctx, model)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := llm.GenerateContent(ctx, toMessageContent(history), c.callOptions(spec, llms.WithJSONMode())...)
	if err != nil {
		return "", fmt.Errorf("llm: %s completion failed: %w", spec.Name, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", ErrEmptyResponse
	}

	log.Debug().
		Str("model", spec.Name).
		Int("messages", len(history)).
		Int("response_length", len(resp.Choices[0].Content)).
		Dur("duration", time.Since(start)).
		Msg("Completion finished")
	return resp.Choices[0].Content, nil
}

// CompleteStream implements Client
func (c *LangchainClient) CompleteStream(ctx context.Context, history []Message, model string, onFragment func(string) error) (string, error) {
	spec, llm, err := c.prepare(ctx, model)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	stream := llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		buf.Write(chunk)
		if onFragment != nil {
			return onFragment(string(chunk))
		}
		return nil
	})

	start := time.Now()
	resp, err := llm.GenerateContent(ctx, toMessageContent(history), c.callOptions(spec, stream)...)
	if err != nil {
		return "", fmt.Errorf("llm: %s stream failed: %w", spec.Name, err)
	}

	// some backends ignore the streaming callback and only return the full content
	if buf.Len() == 0 && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		content := resp.Choices[0].Content
		buf.WriteString(content)
		if onFragment != nil {
			if err := onFragment(content); err != nil {
				return "", err
			}
		}
	}
	if buf.Len() == 0 {
		return "", ErrEmptyResponse
	}

	log.Debug().
		Str("model", spec.Name).
		Int("messages", len(history)).
		Int("response_length", buf.Len()).
		Dur("duration", time.Since(start)).
		Msg("Stream finished")
	return buf.String(), nil
}

func (c *LangchainClient) prepare(ctx context.Context, name string) (ModelSpec, llms.Model, error) {
	spec := Lookup(name)
	if name != "" && !Known(name) {
		log.Warn().Str("requested", name).Str("using", spec.Name).Msg("Unknown model, using default")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return spec, nil, fmt.Errorf("llm: rate limiter: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if llm, ok := c.models[spec.Name]; ok {
		return spec, llm, nil
	}
	llm, err := c.factory(ctx, spec)
	if err != nil {
		return spec, nil, fmt.Errorf("failed to create model for provider %s: %w", spec.Provider, err)
	}
	c.models[spec.Name] = llm
	return spec, llm, nil
}

func (c *LangchainClient) callOptions(spec ModelSpec, extra ...llms.CallOption) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(spec.ModelID)}
	if c.opts.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.opts.MaxTokens))
	}
	if !spec.FixedTemperature {
		opts = append(opts, llms.WithTemperature(c.opts.Temperature))
	}
	return append(opts, extra...)
}

func (c *LangchainClient) newModel(ctx context.Context, spec ModelSpec) (llms.Model, error) {
	log.Debug().
		Str("provider", string(spec.Provider)).
		Str("model", spec.ModelID).
		Msg("Creating langchain model")

	switch spec.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(spec.ModelID)}
		if c.opts.OpenAIKey != "" {
			opts = append(opts, openai.WithToken(c.opts.OpenAIKey))
		}
		if c.opts.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.opts.OpenAIBaseURL))
		}
		return openai.New(opts...)
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(spec.ModelID)}
		if c.opts.AnthropicKey != "" {
			opts = append(opts, anthropic.WithToken(c.opts.AnthropicKey))
		}
		return anthropic.New(opts...)
	case ProviderGoogleAI:
		opts := []googleai.Option{
			googleai.WithAPIKey(c.opts.GoogleKey),
			googleai.WithDefaultModel(spec.ModelID),
		}
		if c.opts.MaxTokens > 0 {
			opts = append(opts, googleai.WithDefaultMaxTokens(c.opts.MaxTokens))
		}
		return googleai.New(ctx, opts...)
	case ProviderCohere:
		opts := []cohere.Option{cohere.WithModel(spec.ModelID)}
		if c.opts.CohereKey != "" {
			opts = append(opts, cohere.WithToken(c.opts.CohereKey))
		}
		return cohere.New(opts...)
	case ProviderOllama:
		url := c.opts.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		return ollama.New(ollama.WithServerURL(url), ollama.WithModel(spec.ModelID))
	default:
		return nil, fmt.Errorf("unsupported provider: %s", spec.Provider)
	}
}

func toMessageContent(history []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history))
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}
