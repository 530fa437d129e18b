package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logosrelay/internal/config"
	"logosrelay/internal/models"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func deepseekConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{BaseURL: baseURL, Model: "deepseek-chat", APIKey: "sk-test"}
}

func TestOpenAICompatibleComplete(t *testing.T) {
	var got chatRequest
	srv, calls := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}]}`))
	})

	c, err := New(context.Background(), ProviderDeepSeek, deepseekConfig(srv.URL), 5*time.Second)
	require.NoError(t, err)

	answer, err := c.Complete(context.Background(), []models.Message{
		models.SystemMessage("reglas"),
		models.UserMessage("2+2?"),
	})
	require.NoError(t, err)
	assert.Equal(t, "4", answer)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Equal(t, "deepseek-chat", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "2+2?", got.Messages[1].Content)
}

func TestOpenAICompatibleUpstreamError(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})
	c, err := New(context.Background(), ProviderDeepSeek, deepseekConfig(srv.URL), 5*time.Second)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), []models.Message{models.UserMessage("hola")})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEmptyResponse))
	assert.False(t, errors.Is(err, ErrMissingAPIKey))
}

func TestOpenAICompatibleEmptyChoices(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	})
	c, err := New(context.Background(), ProviderDeepSeek, deepseekConfig(srv.URL), 5*time.Second)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), []models.Message{models.UserMessage("hola")})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAICompatibleTimeout(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c, err := New(context.Background(), ProviderDeepSeek, deepseekConfig(srv.URL), 50*time.Millisecond)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), []models.Message{models.UserMessage("hola")})
	require.Error(t, err)
}

func TestMissingKeyMakesNoCall(t *testing.T) {
	srv, calls := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	cfg := deepseekConfig(srv.URL)
	cfg.APIKey = "  "

	c, err := New(context.Background(), ProviderDeepSeek, cfg, time.Second)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), []models.Message{models.UserMessage("hola")})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), "mystery", config.ProviderConfig{APIKey: "k"}, time.Second)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	c, err := New(context.Background(), "groq", config.ProviderConfig{APIKey: "k", BaseURL: "http://127.0.0.1:1"}, time.Second)
	require.NoError(t, err)
	assert.IsType(t, &openAICompatible{}, c)
}

func TestToSchemaRoles(t *testing.T) {
	out := toSchema([]models.Message{
		models.SystemMessage("s"),
		models.UserMessage("u"),
		models.AssistantMessage("a"),
	})
	require.Len(t, out, 3)
	assert.Equal(t, "system", string(out[0].Role))
	assert.Equal(t, "user", string(out[1].Role))
	assert.Equal(t, "assistant", string(out[2].Role))
	assert.Equal(t, "a", out[2].Content)
}
