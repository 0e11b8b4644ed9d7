package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/ragkit-go/internal/rag"
)

const ollamaTimeout = 60 * time.Second

// OllamaConfig configures an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the server base URL, e.g. "http://localhost:11434".
	Host  string
	Model string

	// Dimensions, when positive, is the vector length every embedding must
	// have. A model that answers with another length is misconfigured.
	Dimensions int

	// Client overrides the default HTTP client.
	Client *http.Client
}

// OllamaEmbedder embeds text through Ollama's /api/embed endpoint. It is
// safe for concurrent use.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewOllamaEmbedder constructs an OllamaEmbedder.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: ollamaTimeout}
	}
	return &OllamaEmbedder{
		url:    strings.TrimRight(cfg.Host, "/") + "/api/embed",
		model:  cfg.Model,
		dims:   cfg.Dimensions,
		client: client,
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed returns one vector per text, in input order. Transport failures and
// 429/5xx answers wrap rag.ErrBackendUnavailable; anything else the server
// gets wrong wraps rag.ErrBackendError.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ollama embedder: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ollama embedder: %w: %w", rag.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	var out ollamaEmbedResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 {
		reason := http.StatusText(resp.StatusCode)
		if decodeErr == nil && out.Error != "" {
			reason = out.Error
		}
		return nil, fmt.Errorf("ollama embedder: %w: status %d: %s", statusError(resp.StatusCode), resp.StatusCode, reason)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("ollama embedder: %w: decode response: %w", rag.ErrBackendError, decodeErr)
	}
	return e.check(out.Embeddings, len(texts))
}

func (e *OllamaEmbedder) check(vecs [][]float32, want int) ([][]float32, error) {
	if len(vecs) != want {
		return nil, fmt.Errorf("ollama embedder: %w: %d texts produced %d vectors",
			rag.ErrBackendError, want, len(vecs))
	}
	if e.dims <= 0 {
		return vecs, nil
	}
	for i, v := range vecs {
		if len(v) != e.dims {
			return nil, fmt.Errorf("ollama embedder: %w: model %s returned %d dimensions at %d, want %d (set EMBEDDING_DIMENSIONS)",
				rag.ErrBackendError, e.model, len(v), i, e.dims)
		}
	}
	return vecs, nil
}

// statusError maps an HTTP status onto the backend sentinels.
func statusError(code int) error {
	if code == http.StatusTooManyRequests || code >= 500 {
		return rag.ErrBackendUnavailable
	}
	return rag.ErrBackendError
}
