package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInferenceURL is the hosted Hugging Face inference API.
const DefaultInferenceURL = "https://api-inference.huggingface.co/models"

var ErrEmptyResult = errors.New("inference returned no result")

// HuggingFace calls text-classification and feature-extraction models.
type HuggingFace struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHuggingFace creates a client. A non-positive rps disables rate limiting.
func NewHuggingFace(baseURL, token string, timeout time.Duration, rps float64) *HuggingFace {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &HuggingFace{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

type classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Toxicity returns the top label of a classification model and its score.
func (h *HuggingFace) Toxicity(ctx context.Context, model, text string) (string, float64, error) {
	body, err := h.post(ctx, model, text)
	if err != nil {
		return "", 0, err
	}
	// [[{label, score}, ...]] for one input, sorted by score
	var nested [][]classification
	if err := json.Unmarshal(body, &nested); err != nil {
		var flat []classification
		if err2 := json.Unmarshal(body, &flat); err2 != nil {
			return "", 0, fmt.Errorf("decode classification: %w", err)
		}
		nested = [][]classification{flat}
	}
	if len(nested) == 0 || len(nested[0]) == 0 {
		return "", 0, ErrEmptyResult
	}
	best := nested[0][0]
	for _, c := range nested[0][1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best.Label, best.Score, nil
}

// Embedding returns a sentence embedding. Token-level output is mean pooled.
func (h *HuggingFace) Embedding(ctx context.Context, model, text string) ([]float64, error) {
	body, err := h.post(ctx, model, text)
	if err != nil {
		return nil, err
	}
	var vec []float64
	if err := json.Unmarshal(body, &vec); err == nil {
		if len(vec) == 0 {
			return nil, ErrEmptyResult
		}
		return vec, nil
	}
	var tokens [][]float64
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return meanPool(tokens)
}

func (h *HuggingFace) post(ctx context.Context, model, text string) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"inputs":  text,
		"options": map[string]bool{"wait_for_model": true},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+model, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference %s: %w", model, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference %s: status %d: %s", model, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func meanPool(tokens [][]float64) ([]float64, error) {
	if len(tokens) == 0 || len(tokens[0]) == 0 {
		return nil, ErrEmptyResult
	}
	dim := len(tokens[0])
	out := make([]float64, dim)
	for _, tok := range tokens {
		if len(tok) != dim {
			return nil, fmt.Errorf("ragged embedding: %d vs %d", len(tok), dim)
		}
		for i, v := range tok {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(len(tokens))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
