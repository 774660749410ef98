// Package summarize produces short natural-language summaries of a school's
// matches through a chat-completions API. Without an API key the package
// degrades to a no-op.
package summarize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ndejong/schoolscan/internal/config"
)

// Summarizer turns match snippets into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, school, district string, snippets []string) (string, error)
}

// New builds a summarizer from config. An empty API key yields a Noop.
func New(cfg config.SummarizerConfig, log *zap.Logger) Summarizer {
	if cfg.APIKey == "" {
		return Noop{}
	}
	return NewClient(cfg, log)
}

// Noop returns empty summaries.
type Noop struct{}

func (Noop) Summarize(context.Context, string, string, []string) (string, error) {
	return "", nil
}

// Client calls a chat-completions endpoint. Identical prompts are served
// from an in-memory cache keyed by prompt hash, so retried or re-queued
// schools do not burn API calls.
type Client struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	model      string
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewClient builds a summarizer client from config.
func NewClient(cfg config.SummarizerConfig, log *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		apiURL:     strings.TrimSuffix(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		backoff:    2 * time.Second,
		log:        log,
		cache:      make(map[string]string),
	}
}

const systemPrompt = "You summarize how a school or district talks about " +
	"student discipline. Answer in no more than three sentences, based only " +
	"on the excerpts given."

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize returns a summary for the given snippets.
func (c *Client) Summarize(ctx context.Context, school, district string, snippets []string) (string, error) {
	if len(snippets) == 0 {
		return "", nil
	}

	prompt := buildPrompt(school, district, snippets)
	key := promptKey(prompt)

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	summary, err := c.complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[key] = summary
	c.mu.Unlock()
	return summary, nil
}

func buildPrompt(school, district string, snippets []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "School: %s\n", school)
	if district != "" {
		fmt.Fprintf(&b, "District: %s\n", district)
	}
	b.WriteString("Website excerpts:\n")
	for _, s := range snippets {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

func promptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// complete performs the API call with a bounded retry loop for rate limits
// and server errors.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode summary request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*c.backoff); err != nil {
				return "", err
			}
		}

		summary, retryAfter, err := c.once(ctx, body)
		if err == nil {
			return summary, nil
		}
		lastErr = err

		var re *retryableError
		if !errors.As(err, &re) {
			return "", err
		}
		c.log.Debug("summary request throttled, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
		if retryAfter > 0 {
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("summary request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

type retryableError struct {
	statusCode int
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("summary API returned status %d", e.statusCode)
}

func (c *Client) once(ctx context.Context, body []byte) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build summary request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("summary request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		var retryAfter time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return "", retryAfter, &retryableError{statusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("summary API returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read summary response: %w", err)
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", 0, fmt.Errorf("decode summary response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, fmt.Errorf("summary response has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
