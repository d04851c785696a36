package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/starford/fieldsmith/internal/apperr"
)

const (
	ollamaDefaultURL     = "http://localhost:11434/api/generate"
	ollamaDefaultTimeout = 180 * time.Second
)

// OllamaConfig holds the knobs of an OllamaClient.
type OllamaConfig struct {
	URL            string
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration
	Temperature    float64
	JSONFormat     bool
	LogPrompt      bool
	LogRawResponse bool
}

// OllamaClient implements Generator against the Ollama generate endpoint.
type OllamaClient struct {
	httpClient *http.Client
	cfg        OllamaConfig
	logger     *slog.Logger
}

var _ Generator = (*OllamaClient)(nil)

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg OllamaConfig, logger *slog.Logger) *OllamaClient {
	if cfg.URL == "" {
		cfg.URL = ollamaDefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = ollamaDefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     logger,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Response *string `json:"response"`
	Error    string  `json:"error,omitempty"`
}

// Generate sends prompt to model and returns the raw response text.
// Connection failures and timeouts are retried; server errors are not.
func (c *OllamaClient) Generate(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		return "", apperr.Configf("llm: model is required")
	}

	payload := ollamaRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: ollamaOptions{Temperature: c.cfg.Temperature},
	}
	if c.cfg.JSONFormat {
		payload.Format = "json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	if c.cfg.LogPrompt {
		c.logger.Debug("llm: prompt", slog.String("model", model), slog.String("prompt", prompt))
	}

	attempts := c.cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := c.send(ctx, body)
		if err == nil {
			if c.cfg.LogRawResponse {
				c.logger.Debug("llm: raw response", slog.String("model", model), slog.String("response", text))
			}
			return text, nil
		}

		var transportErr *apperr.TransportError
		if !errors.As(err, &transportErr) {
			return "", err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		c.logger.Warn("llm: request failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("delay", c.cfg.RetryDelay),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return "", &apperr.TransportError{Op: "llm generate", Err: err}
		}
	}
	return "", fmt.Errorf("llm: giving up after %d attempts: %w", attempts, lastErr)
}

func (c *OllamaClient) send(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &apperr.TransportError{Op: "llm generate", Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &apperr.TransportError{Op: "llm generate", Err: err}
	}

	var result ollamaResponse
	decodeErr := json.Unmarshal(respBytes, &result)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBytes))
		if decodeErr == nil && result.Error != "" {
			msg = result.Error
		}
		return "", &apperr.ServerError{Op: "llm generate", Status: resp.StatusCode, Msg: msg}
	}
	if decodeErr != nil {
		return "", &apperr.ServerError{Op: "llm generate", Msg: fmt.Sprintf("decode response: %v", decodeErr)}
	}
	if result.Error != "" {
		return "", &apperr.ServerError{Op: "llm generate", Msg: result.Error}
	}
	if result.Response == nil || strings.TrimSpace(*result.Response) == "" {
		return "", &apperr.ServerError{Op: "llm generate", Msg: "missing or empty response"}
	}
	return *result.Response, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
