package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// claudeLimiter caps request starts over a sliding 60-second window. Wait
// blocks the calling worker until a slot opens or the context ends.
type claudeLimiter struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

func newClaudeLimiter() *claudeLimiter {
	return &claudeLimiter{window: time.Minute}
}

func (l *claudeLimiter) rpm() int {
	rpm := utils.GetEnvAsInt("VIDEO_CLAUDE_RPM", 5, nil)
	if rpm < 1 {
		rpm = 1
	}
	if rpm > 120 {
		rpm = 120
	}
	return rpm
}

func (l *claudeLimiter) Wait(ctx context.Context) error {
	if !utils.GetEnvAsBool("VIDEO_CLAUDE_ENABLE_RATE_LIMIT", true, nil) {
		return nil
	}
	rpm := l.rpm()
	for {
		now := time.Now()
		var sleep time.Duration
		l.mu.Lock()
		for len(l.times) > 0 && now.Sub(l.times[0]) >= l.window {
			l.times = l.times[1:]
		}
		if len(l.times) < rpm {
			l.times = append(l.times, now)
			l.mu.Unlock()
			return nil
		}
		sleep = l.window - now.Sub(l.times[0]) + 10*time.Millisecond
		l.mu.Unlock()
		if sleep < 50*time.Millisecond {
			sleep = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

type anthropicClient struct {
	log     *logger.Logger
	limiter *claudeLimiter
}

func newAnthropicClient(log *logger.Logger) *anthropicClient {
	return &anthropicClient{
		log:     log.With("client", "anthropic"),
		limiter: newClaudeLimiter(),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicClient) Chat(ctx context.Context, model, system, user string, temperature float64, maxTokens int, timeout time.Duration) (string, error) {
	apiKey := utils.GetEnv("ANTHROPIC_API_KEY", utils.GetEnv("CLAUDE_API_KEY", "", nil), nil)
	if apiKey == "" {
		return "", errors.New("missing_anthropic_api_key")
	}
	apiURL := utils.GetEnv("VIDEO_ANTHROPIC_URL",
		utils.GetEnv("ANTHROPIC_API_URL", "https://api.anthropic.com/v1/messages", nil), nil)

	if maxTokens < 64 {
		maxTokens = 64
	}
	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      system,
		Messages:    []anthropicMessage{{Role: "user", Content: user}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := ""
		var parsed anthropicResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			detail = strings.TrimSpace(parsed.Error.Message)
		}
		if detail != "" {
			return "", fmt.Errorf("claude_http_%d: %s", resp.StatusCode, detail)
		}
		return "", fmt.Errorf("claude_http_%d", resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("claude_decode_error: %w", err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text != "" {
		return text, nil
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return "", fmt.Errorf("claude_error: %s", parsed.Error.Message)
	}
	return "", errors.New("claude_empty_response")
}
