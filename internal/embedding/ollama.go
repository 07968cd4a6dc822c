package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"acms/internal/types"
)

// =============================================================================
// OLLAMA EMBEDDING ENGINE
// =============================================================================

// OllamaEngine generates embeddings using a local Ollama server.
type OllamaEngine struct {
	endpoint string
	model    string
	dims     int
	client   *http.Client
}

// NewOllamaEngine creates a new Ollama embedding engine.
func NewOllamaEngine(endpoint, model string, dims int) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	if dims <= 0 {
		dims = 768
	}

	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		dims:     dims,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	req := ollamaEmbedRequest{Model: e.model, Prompt: text}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, types.BackendUnavailable(e.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, types.BackendUnavailable(e.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no native
// batch API, so texts are embedded sequentially under the shared context.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *OllamaEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *OllamaEngine) Name() string { return "ollama:" + e.model }

// HealthCheck verifies the Ollama server is reachable.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return types.BackendUnavailable(e.Name(), err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.BackendUnavailable(e.Name(), fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// =============================================================================
// OLLAMA SUMMARIZER
// =============================================================================

// OllamaSummarizer produces summaries through Ollama's generate API.
type OllamaSummarizer struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaSummarizer creates a new Ollama summarizer.
func NewOllamaSummarizer(endpoint, model string) (*OllamaSummarizer, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaSummarizer{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Summarize condenses the inputs within the token target.
func (s *OllamaSummarizer) Summarize(ctx context.Context, inputs []SummaryInput, intent string, targetTokens int) (string, error) {
	if len(inputs) == 0 {
		return "", nil
	}

	req := ollamaGenerateRequest{
		Model:  s.model,
		Prompt: buildSummaryPrompt(inputs, intent, targetTokens),
		Stream: false,
		Options: ollamaOptions{
			Temperature: 0.2,
			NumPredict:  targetTokens + targetTokens/10,
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", types.BackendUnavailable(s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", types.BackendUnavailable(s.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return strings.TrimSpace(result.Response), nil
}

// Name returns the summarizer name.
func (s *OllamaSummarizer) Name() string { return "ollama:" + s.model }

// buildSummaryPrompt assembles the shared summarization prompt. The contract
// forbids introducing facts not present in the input.
func buildSummaryPrompt(inputs []SummaryInput, intent string, targetTokens int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following memory items in at most %d tokens.\n", targetTokens)
	fmt.Fprintf(&b, "Purpose: %s.\n", intent)
	b.WriteString("Use only facts present in the items. Do not add information.\n\n")
	for _, in := range inputs {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", in.ID, in.Text)
	}
	return b.String()
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}
