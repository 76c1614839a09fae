package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
)

func TestHTTPInvokerPostsChatRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		var reply chatResponse
		reply.Choices = append(reply.Choices, struct {
			Message chatMessage `json:"message"`
		}{Message: chatMessage{Role: "assistant", Content: "```json\n{\"summary\":\"ok\"}\n```"}})
		reply.Usage = Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(Config{BaseURL: srv.URL + "/", APIKey: "secret", Model: "default-model"})
	resp, err := inv.Invoke(context.Background(), domain.Agent{ID: "a1"}, "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, "default-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "usr", got.Messages[1].Content)

	obj, err := inv.InvokeJSON(context.Background(), domain.Agent{ID: "a1", Model: "agent-model"}, "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "ok", obj["summary"])
	assert.Equal(t, "agent-model", got.Model)
}

func TestHTTPInvokerUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(Config{})
	_, err := inv.Invoke(context.Background(), domain.Agent{ID: "a1", Endpoint: srv.URL}, "s", "u")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Contains(t, err.Error(), "503")

	_, err = inv.Invoke(context.Background(), domain.Agent{ID: "a2"}, "s", "u")
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestDecodeObject(t *testing.T) {
	obj, err := DecodeObject("Here you go:\n{\"plan\": [1, 2]}\nthanks")
	require.NoError(t, err)
	assert.Len(t, obj["plan"], 2)

	_, err = DecodeObject("no json here")
	assert.True(t, errors.Is(err, ErrBadResponse))

	_, err = DecodeObject("{broken}")
	assert.True(t, errors.Is(err, ErrBadResponse))
}

func TestFuncAdapter(t *testing.T) {
	f := Func(func(ctx context.Context, agent domain.Agent, system, user string) (Response, error) {
		return Response{Text: `{"agent":"` + agent.ID + `"}`}, nil
	})
	obj, err := f.InvokeJSON(context.Background(), domain.Agent{ID: "x"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "x", obj["agent"])
}
