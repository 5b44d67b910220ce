package agent

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

	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

var (
	// ErrNotConfigured is returned when the upstream credentials are missing.
	// It is never retried.
	ErrNotConfigured = errors.New("generator is not configured")
	ErrUpstream      = errors.New("upstream generator error")
)

// Generator is the upstream text-generation service. The returned text has
// no guaranteed shape.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GenerateRequest carries one turn's input to the generator.
type GenerateRequest struct {
	History []intake.Message
	Data    intake.MedicalData
	Prompt  string
}

const defaultDeepSeekURL = "https://api.deepseek.com"

// DeepSeekConfig configures the OpenAI-compatible chat completions client.
type DeepSeekConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

type client struct {
	cfg        DeepSeekConfig
	httpClient *http.Client
}

func NewDeepSeekClient(cfg DeepSeekConfig) Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultDeepSeekURL
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends the rendered prompt, the current record and the history as
// a chat completion and returns the first choice's content verbatim.
func (c *client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", ErrNotConfigured
	}

	dataJSON, err := json.Marshal(req.Data)
	if err != nil {
		return "", fmt.Errorf("encode medical data: %w", err)
	}

	messages := []chatMessage{{
		Role:    "system",
		Content: req.Prompt + "\n\nCURRENT MEDICAL DATA (JSON):\n" + string(dataJSON),
	}}
	for _, m := range req.History {
		role := m.Role
		if role != intake.RoleAssistant {
			role = intake.RoleUser
		}
		messages = append(messages, chatMessage{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: upstream rejected credentials (%s)", ErrNotConfigured, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: %s - %s", ErrUpstream, resp.Status, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}
