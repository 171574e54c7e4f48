package llm

import (
	"sort"
	"strings"
)

// Provider identifies an LLM backend
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogleAI  Provider = "googleai"
	ProviderCohere    Provider = "cohere"
	ProviderOllama    Provider = "ollama"
)

// DefaultModel is used for unknown or empty model names
const DefaultModel = "gpt-4o-mini"

// ollamaPrefix selects a local Ollama model by name, e.g. "ollama:llama3"
const ollamaPrefix = "ollama:"

// ModelSpec maps a user-facing model name to a provider and its model id
type ModelSpec struct {
	Name     string   `json:"name"`
	Provider Provider `json:"provider"`
	ModelID  string   `json:"modelId"`
	// FixedTemperature models reject a temperature parameter
	FixedTemperature bool `json:"-"`
}

var catalog = map[string]ModelSpec{
	"gpt-4o-mini":      {Provider: ProviderOpenAI, ModelID: "gpt-4o-mini"},
	"gpt-4o":           {Provider: ProviderOpenAI, ModelID: "gpt-4o"},
	"gpt-4.1":          {Provider: ProviderOpenAI, ModelID: "gpt-4.1"},
	"gpt-5":            {Provider: ProviderOpenAI, ModelID: "gpt-5", FixedTemperature: true},
	"gpt-5-mini":       {Provider: ProviderOpenAI, ModelID: "gpt-5-mini", FixedTemperature: true},
	"gpt-5.2":          {Provider: ProviderOpenAI, ModelID: "gpt-5.2", FixedTemperature: true},
	"o3-mini":          {Provider: ProviderOpenAI, ModelID: "o3-mini", FixedTemperature: true},
	"claude-sonnet":    {Provider: ProviderAnthropic, ModelID: "claude-3-5-sonnet-20241022"},
	"claude-opus":      {Provider: ProviderAnthropic, ModelID: "claude-3-opus-20240229"},
	"gemini-2.5-flash": {Provider: ProviderGoogleAI, ModelID: "gemini-2.5-flash"},
	"gemini-2.5-pro":   {Provider: ProviderGoogleAI, ModelID: "gemini-2.5-pro"},
	"command-r":        {Provider: ProviderCohere, ModelID: "command-r"},
}

// Lookup resolves a model name. "ollama:<model>" selects a local model; anything
// unknown falls back to DefaultModel.
func Lookup(name string) ModelSpec {
	if strings.HasPrefix(name, ollamaPrefix) {
		if id := strings.TrimPrefix(name, ollamaPrefix); id != "" {
			return ModelSpec{Name: name, Provider: ProviderOllama, ModelID: id}
		}
	}
	spec, ok := catalog[name]
	if !ok {
		name = DefaultModel
		spec = catalog[DefaultModel]
	}
	spec.Name = name
	return spec
}

// Known reports whether name is in the catalog or names an Ollama model
func Known(name string) bool {
	if strings.HasPrefix(name, ollamaPrefix) {
		return len(name) > len(ollamaPrefix)
	}
	_, ok := catalog[name]
	return ok
}

// Models lists the catalog sorted by name
func Models() []ModelSpec {
	out := make([]ModelSpec, 0, len(catalog))
	for name := range catalog {
		out = append(out, Lookup(name))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
