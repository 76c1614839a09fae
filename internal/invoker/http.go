package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"foreman/internal/domain"
)

const DefaultTimeout = 120 * time.Second

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTPInvoker speaks the chat-completions wire format. Agents with their own
// endpoint are called there, otherwise BaseURL is used.
type HTTPInvoker struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewHTTPInvoker(cfg Config) *HTTPInvoker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPInvoker{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *HTTPInvoker) endpoint(agent domain.Agent) (string, error) {
	if agent.Endpoint != "" {
		return agent.Endpoint, nil
	}
	if c.BaseURL == "" {
		return "", fmt.Errorf("%w: agent %s has no endpoint and no base url is configured", ErrUpstream, agent.ID)
	}
	return c.BaseURL + "/chat/completions", nil
}

func (c *HTTPInvoker) Invoke(ctx context.Context, agent domain.Agent, system, user string) (Response, error) {
	url, err := c.endpoint(agent)
	if err != nil {
		return Response{}, err
	}
	model := agent.Model
	if model == "" {
		model = c.Model
	}
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		return Response{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(out.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: no choices", ErrBadResponse)
	}
	return Response{Text: out.Choices[0].Message.Content, Usage: out.Usage}, nil
}

func (c *HTTPInvoker) InvokeJSON(ctx context.Context, agent domain.Agent, system, user string) (map[string]any, error) {
	resp, err := c.Invoke(ctx, agent, system, user)
	if err != nil {
		return nil, err
	}
	return DecodeObject(resp.Text)
}
