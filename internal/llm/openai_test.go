package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completionBody = `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%s}}]}`

func newChatServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		handler(w, r, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIChat_Complete(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.Equal(t, "Mila", r.Header.Get("X-Title"))
		assert.Equal(t, "model-a", body["model"])
		assert.InDelta(t, 0.8, body["temperature"], 0.001)
		assert.InDelta(t, 0.9, body["top_p"], 0.001)
		assert.EqualValues(t, 100, body["max_tokens"])

		msgs, _ := body["messages"].([]any)
		require.Len(t, msgs, 3)
		roles := []string{}
		for _, m := range msgs {
			roles = append(roles, m.(map[string]any)["role"].(string))
		}
		assert.Equal(t, []string{"system", "assistant", "user"}, roles)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("Hey there!")))
	})

	c := NewOpenAIChat(OpenAIChatConfig{BaseURL: srv.URL, AppTitle: "Mila"})
	got, err := c.Complete(context.Background(), "key-1", ChatRequest{
		Model: "model-a",
		Messages: []Message{
			{Role: RoleSystem, Content: "persona"},
			{Role: RoleAssistant, Content: "earlier"},
			{Role: RoleUser, Content: "hi"},
		},
		Temperature: 0.8,
		TopP:        0.9,
		MaxTokens:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hey there!", got)
}

func TestOpenAIChat_StatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusBadGateway} {
		calls := 0
		srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"x"}}`))
		})

		c := NewOpenAIChat(OpenAIChatConfig{BaseURL: srv.URL + "/"})
		_, err := c.Complete(context.Background(), "k", ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
		require.Error(t, err)

		var status *StatusError
		require.ErrorAs(t, err, &status)
		assert.Equal(t, code, status.StatusCode)
		assert.Equal(t, 1, calls, "sdk retries must be disabled")
	}
}

func TestOpenAIChat_EmptyContent(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("   ")))
	})
	c := NewOpenAIChat(OpenAIChatConfig{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), "k", ChatRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)

	srv2 := newChatServer(t, func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	})
	c = NewOpenAIChat(OpenAIChatConfig{BaseURL: srv2.URL})
	_, err = c.Complete(context.Background(), "k", ChatRequest{Model: "m"})
	assert.Equal(t, FailureEmpty, Classify(err))
}

func TestOpenAIChat_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewOpenAIChat(OpenAIChatConfig{BaseURL: url})
	_, err := c.Complete(context.Background(), "k", ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, FailureConnection, Classify(err))
}

func completionJSON(content string) string {
	b, _ := json.Marshal(content)
	return fmt.Sprintf(completionBody, b)
}
