package embedder

import (
	"log/slog"
	"strings"
)

// chatModelFragments identify chat/completion models, which produce poor or
// no embeddings when configured as EMBEDDING_MODEL.
var chatModelFragments = []string{
	"gpt-4", "gpt-3.5", "gpt-35", "o1", "o3",
	"llama3", "llama2", "llama-3", "llama-2",
	"mistral", "mixtral", "gemma", "phi-", "phi3",
	"claude", "command-r", "deepseek", "qwen",
}

func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, f := range chatModelFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Validate checks the embedding settings when query embeddings are needed:
// the qdrant provider or the embedding reranker. Broken settings are an
// error; an inherited backend or a chat-looking model only warn.
func Validate(log *slog.Logger, needed bool) error {
	if !needed {
		return nil
	}
	s := SettingsFromEnv()
	if err := s.Check(); err != nil {
		return err
	}

	if !s.Explicit && s.Backend != "ollama" {
		log.Warn("embedder: EMBEDDING_PROVIDER is not set, inheriting MODEL_PROVIDER",
			slog.String("backend", s.Backend),
			slog.String("hint", "set EMBEDDING_PROVIDER=ollama (or openai/azure) to be explicit"),
		)
	}
	if looksLikeChatModel(s.Model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", s.Model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
	return nil
}
