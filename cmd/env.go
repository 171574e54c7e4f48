package cmd

import (
	"fmt"
	"sort"

	"github.com/joho/godotenv"

	"github.com/thoughtmap/internal/config"
	"github.com/thoughtmap/internal/llm"
)

// ConfigCheckResult holds the result of a configuration check
type ConfigCheckResult struct {
	Missing  []string          // Settings required by the current choices
	Present  map[string]string // Settings that are set (masked values)
	Warnings []string          // Non-fatal warnings
	Storage  string            // "postgres" or "memory"
}

// CheckRequiredConfig reports which provider credentials and storage settings are
// present for cfg
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
		Storage:  "memory",
	}

	if cfg.Database.URL != "" {
		result.Storage = "postgres"
		result.Present["database.url"] = maskSecret(cfg.Database.URL)
	}

	keys := map[llm.Provider]struct {
		name  string
		value string
	}{
		llm.ProviderOpenAI:    {"llm.openai_api_key", cfg.LLM.OpenAIKey},
		llm.ProviderAnthropic: {"llm.anthropic_api_key", cfg.LLM.AnthropicKey},
		llm.ProviderGoogleAI:  {"llm.google_api_key", cfg.LLM.GoogleKey},
		llm.ProviderCohere:    {"llm.cohere_api_key", cfg.LLM.CohereKey},
	}
	for _, k := range keys {
		if k.value != "" {
			result.Present[k.name] = maskSecret(k.value)
		}
	}

	if !llm.Known(cfg.LLM.DefaultModel) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("default model %q is unknown, %s will be used", cfg.LLM.DefaultModel, llm.DefaultModel))
	}

	// Always required: the credential of the default model's provider
	spec := llm.Lookup(cfg.LLM.DefaultModel)
	if k, ok := keys[spec.Provider]; ok && k.value == "" {
		result.Missing = append(result.Missing, k.name)
	}

	if cfg.Database.URL == "" {
		result.Warnings = append(result.Warnings, "maps are kept in memory and lost on exit")
	}
	sort.Strings(result.Missing)

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Printf("Storage: %s\n", result.Storage)
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		names := make([]string, 0, len(result.Present))
		for k := range result.Present {
			names = append(names, k)
		}
		sort.Strings(names)

		fmt.Println("✓ Configured settings:")
		for _, k := range names {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a dotenv file, overwriting existing ones
func LoadEnvFile(filename string) error {
	if err := godotenv.Overload(filename); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", filename, err)
	}
	return nil
}
