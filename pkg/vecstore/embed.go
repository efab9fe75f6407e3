package vecstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder turns text into embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const embedMaxRetries = 3

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Works
// against hosted APIs and local servers (Ollama, llama.cpp) alike.
type HTTPEmbedder struct {
	apiBase string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHTTPEmbedder(apiBase, apiKey, model string) *HTTPEmbedder {
	return &HTTPEmbedder{
		apiBase: strings.TrimSuffix(apiBase, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, err
	}
	url := e.apiBase + "/embeddings"

	var lastErr error
	for attempt := range embedMaxRetries {
		result, err := e.post(ctx, url, body, len(texts))
		if err == nil {
			return result, nil
		}
		lastErr = err

		backoff := time.Duration(math.Pow(4, float64(attempt))) * 500 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("embedding failed after %d retries: %w", embedMaxRetries, lastErr)
}

func (e *HTTPEmbedder) post(ctx context.Context, url string, body []byte, n int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded embedResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("embedding API error: %s", decoded.Error.Message)
	}

	// The API may reorder; index restores input order.
	embeddings := make([][]float32, n)
	for _, d := range decoded.Data {
		if d.Index >= 0 && d.Index < n {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}
