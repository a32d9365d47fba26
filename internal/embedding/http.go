package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hyperjump/niteru/internal/models"
)

// HTTPConfig holds configuration for the remote embedding service.
type HTTPConfig struct {
	// BaseURL is the service base URL; requests go to BaseURL + "/v1/embeddings/image".
	BaseURL string
	// Model is sent with each request and used as the model version.
	Model string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Dimensions is the expected vector size.
	Dimensions int
	// RequestsPerSecond limits outgoing calls; zero means unlimited.
	RequestsPerSecond float64
	// Client overrides the HTTP client.
	Client *http.Client
}

// HTTPProvider embeds images with a remote multimodal embedding service.
type HTTPProvider struct {
	client     *http.Client
	baseURL    string
	model      string
	apiKey     string
	dimensions int
	limiter    *rate.Limiter
}

type imageEmbedRequest struct {
	Model  string `json:"model"`
	Image  string `json:"image"`
	Format string `json:"format"`
}

type imageEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Model     string    `json:"model,omitempty"`
}

// NewHTTPProvider creates a provider for the service at cfg.BaseURL.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	client := cfg.Client
	if client == nil {
		// Deadlines come from the caller's context.
		client = &http.Client{}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &HTTPProvider{
		client:     client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		dimensions: cfg.Dimensions,
		limiter:    limiter,
	}
}

// Name returns "http".
func (p *HTTPProvider) Name() string { return "http" }

// Embed posts the base64-encoded image and decodes the returned vector.
// 4xx answers about the payload map to InvalidImageError; other failures are
// returned as plain errors for the adapter to classify.
func (p *HTTPProvider) Embed(ctx context.Context, img *Image) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	body, err := json.Marshal(imageEmbedRequest{
		Model:  p.model,
		Image:  base64.StdEncoding.EncodeToString(img.Raw),
		Format: img.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings/image", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestEntityTooLarge ||
		resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &models.InvalidImageError{Reason: fmt.Sprintf("rejected by provider (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding service error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out imageEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &models.ProviderContractViolation{Expected: p.dimensions, Reason: "malformed response: " + err.Error()}
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Ping checks that the service answers its health endpoint.
func (p *HTTPProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return &models.ProviderUnavailableError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &models.ProviderUnavailableError{Provider: p.Name(), Err: fmt.Errorf("health returned status %d", resp.StatusCode)}
	}
	return nil
}

// Dimensions returns the expected embedding dimension.
func (p *HTTPProvider) Dimensions() int { return p.dimensions }

// ModelVersion returns the configured model name.
func (p *HTTPProvider) ModelVersion() string { return p.model }

// Close releases idle connections.
func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
