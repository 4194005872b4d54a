package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/agent-forge/pkg/models"
)

func anthropicServer(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
				"usage":   map[string]int{"input_tokens": 12, "output_tokens": 7},
			})
		}
	}))
}

func TestAnthropicProvider_Complete(t *testing.T) {
	srv := anthropicServer(t, http.StatusOK, "analysis result")
	defer srv.Close()

	p := NewAnthropicProvider("primary", srv.URL, "key", time.Second)
	resp, err := p.Complete(context.Background(), Request{
		Model:     "claude-sonnet",
		Messages:  []Message{{Role: RoleSystem, Content: "be terse"}, {Role: RoleUser, Content: "hi"}},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "analysis result", resp.Text)
	assert.Equal(t, 12, resp.TokensIn)
	assert.Equal(t, 7, resp.TokensOut)
}

func TestAnthropicProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindUnavailable},
		{http.StatusBadRequest, KindInvalidRequest},
	}
	for _, tc := range tests {
		srv := anthropicServer(t, tc.status, "")
		p := NewAnthropicProvider("primary", srv.URL, "key", time.Second)
		_, err := p.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
		srv.Close()

		var perr *Error
		require.ErrorAs(t, err, &perr, "status %d", tc.status)
		assert.Equal(t, tc.kind, perr.Kind)
	}
}

func TestOpenAIProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "done"}}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 2},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("secondary", srv.URL, "key", time.Second)
	resp, err := p.Complete(context.Background(), Request{Model: "gpt", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
}

// stubProvider scripts Complete results for chain tests.
type stubProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Complete(context.Context, Request) (*Response, error) {
	s.calls++
	return s.resp, s.err
}

func TestChain_FallsThroughOnUnavailable(t *testing.T) {
	primary := &stubProvider{name: "a", err: &Error{Provider: "a", Kind: KindUnavailable, Message: "down"}}
	secondary := &stubProvider{name: "b", resp: &Response{Text: "ok"}}
	chain, err := NewChain(primary, secondary)
	require.NoError(t, err)

	resp, err := chain.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestChain_StopsOnInvalidRequest(t *testing.T) {
	primary := &stubProvider{name: "a", err: &Error{Provider: "a", Kind: KindInvalidRequest, Message: "bad"}}
	secondary := &stubProvider{name: "b", resp: &Response{Text: "ok"}}
	chain, err := NewChain(primary, secondary)
	require.NoError(t, err)

	_, err = chain.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 0, secondary.calls)
}

func TestChain_SurfacesLastError(t *testing.T) {
	a := &stubProvider{name: "a", err: &Error{Provider: "a", Kind: KindUnavailable, Message: "down"}}
	b := &stubProvider{name: "b", err: &Error{Provider: "b", Kind: KindTimeout, Message: "slow"}}
	chain, err := NewChain(a, b)
	require.NoError(t, err)

	_, err = chain.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrLLMUnavailable))
}

func TestNewChain_RequiresProvider(t *testing.T) {
	_, err := NewChain()
	assert.Error(t, err)
}
