// Package invoker calls an agent's model endpoint.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"foreman/internal/domain"
)

var (
	// ErrUpstream wraps transport and non-2xx failures.
	ErrUpstream = errors.New("agent upstream error")
	// ErrBadResponse wraps replies that cannot be parsed.
	ErrBadResponse = errors.New("agent returned an unusable response")
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

type Invoker interface {
	Invoke(ctx context.Context, agent domain.Agent, system, user string) (Response, error)
	InvokeJSON(ctx context.Context, agent domain.Agent, system, user string) (map[string]any, error)
}

// Func adapts a plain function into an Invoker.
type Func func(ctx context.Context, agent domain.Agent, system, user string) (Response, error)

func (f Func) Invoke(ctx context.Context, agent domain.Agent, system, user string) (Response, error) {
	return f(ctx, agent, system, user)
}

func (f Func) InvokeJSON(ctx context.Context, agent domain.Agent, system, user string) (map[string]any, error) {
	resp, err := f(ctx, agent, system, user)
	if err != nil {
		return nil, err
	}
	return DecodeObject(resp.Text)
}

// DecodeObject parses the first JSON object in text. Markdown code fences and
// surrounding prose are tolerated.
func DecodeObject(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrBadResponse)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return out, nil
}
