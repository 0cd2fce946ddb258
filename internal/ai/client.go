package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BhuwanJoshi-01/friday-whatsapp-ai-bot/internal/config"
)

// Sentinel errors for the availability taxonomy. Callers branch with
// errors.Is; everything else is a generic failure.
var (
	// ErrQuotaExhausted means every credential in the pool was rejected
	// for quota. Recoverable only by waiting.
	ErrQuotaExhausted = errors.New("ai: credential pool exhausted")
	// ErrUnavailable means the endpoint could not be reached or answered
	// with a server error within the timeout.
	ErrUnavailable = errors.New("ai: service unavailable")
)

// Turn is one conversation turn in a chat history.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Client talks to an OpenAI-compatible chat-completions endpoint with a
// rotating credential pool. A quota rejection advances to the next key; only
// when every key has been rejected does a call fail with ErrQuotaExhausted.
type Client struct {
	baseURL     string
	keys        []string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client

	mu     sync.Mutex
	keyIdx int
}

func NewClient(cfg config.ProviderConfig) *Client {
	timeout := 30 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		keys:        cfg.APIKeys,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// GenerateOptions tune a single Generate call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	JSONOutput  bool
}

// Generate runs a single-prompt completion.
func (c *Client) Generate(prompt string, opts GenerateOptions) (string, error) {
	return c.complete("", []Turn{{Role: "user", Content: prompt}}, opts)
}

// Chat runs a completion over a full history under a system instruction and
// returns the assistant reply. The caller owns the history; appending the
// new turns is its job.
func (c *Client) Chat(systemInstruction string, history []Turn, userText string) (string, error) {
	turns := make([]Turn, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, Turn{Role: "user", Content: userText})
	return c.complete(systemInstruction, turns, GenerateOptions{})
}

func (c *Client) complete(systemInstruction string, turns []Turn, opts GenerateOptions) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("missing ai base url: %w", ErrUnavailable)
	}
	if len(c.keys) == 0 {
		return "", fmt.Errorf("no ai credentials configured: %w", ErrQuotaExhausted)
	}

	messages := make([]map[string]string, 0, len(turns)+1)
	if systemInstruction != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemInstruction})
	}
	for _, t := range turns {
		messages = append(messages, map[string]string{"role": t.Role, "content": t.Content})
	}

	temperature := c.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if opts.JSONOutput {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	// One attempt per pool credential, starting from the last key that
	// worked. Quota rejections rotate; other failures return directly.
	start := c.currentKeyIdx()
	for attempt := 0; attempt < len(c.keys); attempt++ {
		key := c.keys[(start+attempt)%len(c.keys)]

		content, status, err := c.send(key, payload)
		if err == nil {
			c.setKeyIdx((start + attempt) % len(c.keys))
			return content, nil
		}
		if isQuotaStatus(status, err) {
			log.Printf("[ai] credential %d/%d quota-rejected, rotating", attempt+1, len(c.keys))
			continue
		}
		if status >= 500 || status == 0 {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return "", ErrQuotaExhausted
}

func (c *Client) send(apiKey string, payload []byte) (string, int, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("ai http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", resp.StatusCode, fmt.Errorf("empty content in response")
	}
	return content, resp.StatusCode, nil
}

func (c *Client) currentKeyIdx() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyIdx
}

func (c *Client) setKeyIdx(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyIdx = idx
}

func isQuotaStatus(status int, err error) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted")
}
