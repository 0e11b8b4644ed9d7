package embedder

import (
	"fmt"
	"os"
	"strconv"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// Default embedding models and their vector sizes.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output size of nomic-embed-text. Other
	// Ollama models differ; set EMBEDDING_DIMENSIONS for them.
	defaultOllamaDimensions = 768
	defaultOpenAIDimensions = 1536

	defaultAzureAPIVersion = "2025-04-01-preview"
)

// Settings is the resolved embedding configuration. Unset embedding
// variables inherit from the chat provider's:
//
//	EMBEDDING_PROVIDER    inherits MODEL_PROVIDER (default: ollama)
//	EMBEDDING_MODEL       nomic-embed-text on ollama, text-embedding-3-small otherwise
//	EMBEDDING_API_KEY     inherits OPENAI_API_KEY or AZURE_OPENAI_API_KEY
//	EMBEDDING_ENDPOINT    inherits OLLAMA_HOST or AZURE_OPENAI_ENDPOINT
//	EMBEDDING_DIMENSIONS  768 on ollama, 1536 otherwise
type Settings struct {
	Backend    string
	Model      string
	Endpoint   string
	APIKey     string
	Dimensions int
	APIVersion string

	// Explicit is true when EMBEDDING_PROVIDER was set rather than inherited.
	Explicit bool
}

// SettingsFromEnv resolves Settings from the environment.
func SettingsFromEnv() Settings {
	s := Settings{Backend: os.Getenv("EMBEDDING_PROVIDER"), Explicit: true}
	if s.Backend == "" {
		s.Backend, s.Explicit = envOr("MODEL_PROVIDER", "ollama"), false
	}

	switch s.Backend {
	case "ollama":
		s.Model = envOr("EMBEDDING_MODEL", defaultOllamaModel)
		s.Endpoint = envOr("EMBEDDING_ENDPOINT", envOr("OLLAMA_HOST", "http://localhost:11434"))
		s.Dimensions = envInt("EMBEDDING_DIMENSIONS", defaultOllamaDimensions)
	case "azure":
		s.Model = envOr("EMBEDDING_MODEL", defaultOpenAIModel)
		s.Endpoint = envOr("EMBEDDING_ENDPOINT", os.Getenv("AZURE_OPENAI_ENDPOINT"))
		s.APIKey = envOr("EMBEDDING_API_KEY", os.Getenv("AZURE_OPENAI_API_KEY"))
		s.APIVersion = envOr("AZURE_OPENAI_API_VERSION", defaultAzureAPIVersion)
		s.Dimensions = envInt("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions)
	default:
		s.Model = envOr("EMBEDDING_MODEL", defaultOpenAIModel)
		s.Endpoint = os.Getenv("EMBEDDING_ENDPOINT")
		s.APIKey = envOr("EMBEDDING_API_KEY", os.Getenv("OPENAI_API_KEY"))
		s.Dimensions = envInt("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions)
	}
	return s
}

// Check reports the first setting that makes s unusable.
func (s Settings) Check() error {
	switch s.Backend {
	case "ollama":
		return nil
	case "openai":
		if s.APIKey == "" {
			return fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if s.APIKey == "" {
			return fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if s.Endpoint == "" {
			return fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	case "bedrock", "gemini":
		return fmt.Errorf("embedder: %s embedding is not supported, set EMBEDDING_PROVIDER to ollama, openai, or azure", s.Backend)
	default:
		return fmt.Errorf("embedder: unknown backend %q, valid values: ollama, openai, azure", s.Backend)
	}
	return nil
}

// New constructs the embedder s describes.
func New(s Settings) (rag.Embedder, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	if s.Backend == "ollama" {
		return NewOllamaEmbedder(&OllamaConfig{Host: s.Endpoint, Model: s.Model, Dimensions: s.Dimensions}), nil
	}
	return NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL:    s.Endpoint,
		APIKey:     s.APIKey,
		Model:      s.Model,
		Dimensions: s.Dimensions,
		Azure:      s.Backend == "azure",
		APIVersion: s.APIVersion,
	}), nil
}

// NewFromEnv is New(SettingsFromEnv()).
func NewFromEnv() (rag.Embedder, error) {
	return New(SettingsFromEnv())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if i, err := strconv.Atoi(os.Getenv(key)); err == nil && i > 0 {
		return i
	}
	return fallback
}
