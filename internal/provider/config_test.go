package provider

import (
	"context"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	azure := func(mut func(*ProviderAzureOpenAI)) Config {
		az := ProviderAzureOpenAI{APIKey: "key", Endpoint: "https://my.openai.azure.com", Deployment: "gpt-4o"}
		mut(&az)
		return Config{Backend: BackendAzure, AzureOpenAI: az}
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"ollama/valid", Config{Backend: BackendOllama, Ollama: ProviderOllama{Model: "llama3"}}, ""},
		{"ollama/no model", Config{Backend: BackendOllama}, "OLLAMA_MODEL"},

		{"openai/valid", Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{APIKey: "sk-test", Model: "gpt-4o-mini"}}, ""},
		{"openai/no key", Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{Model: "gpt-4o-mini"}}, "OPENAI_API_KEY"},
		{"openai/no model", Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{APIKey: "sk-test"}}, "OPENAI_MODEL"},

		{"azure/valid", azure(func(*ProviderAzureOpenAI) {}), ""},
		{"azure/no key", azure(func(a *ProviderAzureOpenAI) { a.APIKey = "" }), "AZURE_OPENAI_API_KEY"},
		{"azure/no endpoint", azure(func(a *ProviderAzureOpenAI) { a.Endpoint = "" }), "AZURE_OPENAI_ENDPOINT"},
		{"azure/no deployment", azure(func(a *ProviderAzureOpenAI) { a.Deployment = "" }), "AZURE_OPENAI_DEPLOYMENT"},

		{"bedrock/valid", Config{Backend: BackendBedrock, Bedrock: ProviderBedrock{AWSRegion: "us-east-1", ModelID: "anthropic.claude-3"}}, ""},
		{"bedrock/no model id", Config{Backend: BackendBedrock, Bedrock: ProviderBedrock{AWSRegion: "us-east-1"}}, "BEDROCK_MODEL_ID"},
		{"bedrock/no region", Config{Backend: BackendBedrock, Bedrock: ProviderBedrock{ModelID: "anthropic.claude-3"}}, "AWS_REGION"},

		{"gemini/valid", Config{Backend: BackendGemini, Gemini: ProviderGemini{APIKey: "AIza-test", Model: "gemini-1.5-flash"}}, ""},
		{"gemini/no key", Config{Backend: BackendGemini, Gemini: ProviderGemini{Model: "gemini-1.5-flash"}}, "GOOGLE_API_KEY"},

		{"unknown backend", Config{Backend: "watson"}, "unknown backend"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			switch {
			case tc.wantErr == "" && err != nil:
				t.Errorf("Validate() unexpected error: %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Errorf("Validate() = %v, want error naming %s", err, tc.wantErr)
			}
		})
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"MODEL_PROVIDER", "OLLAMA_MODEL", "MODEL_MAX_TOKENS", "MODEL_TEMPERATURE"} {
		t.Setenv(k, "")
	}

	cfg := ConfigFromEnv()
	if cfg.Backend != BackendOllama {
		t.Errorf("Backend = %q, want ollama", cfg.Backend)
	}
	if cfg.Model() != "llama3" {
		t.Errorf("Model() = %q, want llama3", cfg.Model())
	}
	if cfg.Tuning.MaxTokens != defaultMaxTokens || cfg.Tuning.Temperature != defaultTemperature {
		t.Errorf("Tuning = %+v, want analysis defaults", cfg.Tuning)
	}
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "azure")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4.1")
	t.Setenv("MODEL_MAX_TOKENS", "256")
	t.Setenv("MODEL_TEMPERATURE", "not-a-number")

	cfg := ConfigFromEnv()
	if cfg.Model() != "gpt-4.1" {
		t.Errorf("Model() = %q, want the Azure deployment", cfg.Model())
	}
	if cfg.Tuning.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", cfg.Tuning.MaxTokens)
	}
	if cfg.Tuning.Temperature != defaultTemperature {
		t.Errorf("Temperature = %v, want fallback for unparseable value", cfg.Tuning.Temperature)
	}
}

func TestNew_ValidatesFirst(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), &Config{Backend: BackendOpenAI})
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("New() = %v, want missing key error", err)
	}
}

func TestIsAzureReasoningModel(t *testing.T) {
	t.Parallel()

	for deployment, want := range map[string]bool{
		"o1-preview":    true,
		"O3-Mini":       true,
		"o4-mini":       true,
		"codex-mini":    true,
		"gpt-5.2-codex": false,
		"gpt-4o":        false,
		"gpt-4.1":       false,
		"":              false,
	} {
		if got := isAzureReasoningModel(deployment); got != want {
			t.Errorf("isAzureReasoningModel(%q) = %v, want %v", deployment, got, want)
		}
	}
}
