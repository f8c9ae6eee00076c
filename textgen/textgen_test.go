package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		if status != http.StatusOK {
			http.Error(w, content, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "test",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildURL(t *testing.T) {
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", buildURL(""))
	assert.Equal(t, "http://x/v1/chat/completions", buildURL("http://x/v1/"))
	assert.Equal(t, "http://x/chat/completions", buildURL("http://x/chat/completions"))
}

func TestClientEnhance(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, http.StatusOK, "  We build precise parts.  ", &seen)
	c := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})

	out, err := c.Enhance(context.Background(), "we build parts", map[string]string{"industry": "aerospace"})
	require.NoError(t, err)
	assert.Equal(t, "We build precise parts.", out)

	assert.Equal(t, DefaultModel, seen.Model)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "we build parts\n\nContext:\n- industry: aerospace", seen.Messages[1].Content)
	assert.Nil(t, seen.MaxTokens)
}

func TestClientGenerate(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "```json\n{\"title\":\"Q3 playbook\",\"steps\":[\"a\",\"b\"]}\n```", nil)
	c := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test", MaxTokens: 200})

	out, err := c.Generate(context.Background(), "playbook", nil)
	require.NoError(t, err)
	assert.Equal(t, "Q3 playbook", out["title"])
	assert.Len(t, out["steps"], 2)
}

func TestClientStatusErrorClassifies(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "slow down", nil)
	c := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})

	_, err := c.Generate(context.Background(), "playbook", nil)
	var se *gateway.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, gateway.ReasonNetwork, gateway.Classify(types.ActionNotify, err).Reason)
}

func TestParseObject(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"a": "b"}, ParseObject(`{"a":"b"}`))
	assert.Equal(t, map[string]interface{}{"text": "plain words"}, ParseObject("plain words"))
	assert.Equal(t, map[string]interface{}{"text": "{}"}, ParseObject("{}"))
}

func TestStub(t *testing.T) {
	s := Stub{}
	out, err := s.Enhance(context.Background(), "  hello world ", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out)

	out, err = s.Enhance(context.Background(), "élan vital", nil)
	require.NoError(t, err)
	assert.Equal(t, "Élan vital", out)

	gen, err := s.Generate(context.Background(), "playbook", map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)
	assert.Equal(t, "playbook", gen["title"])
	assert.Equal(t, "a=1, b=2", gen["summary"])

	want := errors.New("quota exceeded")
	_, err = Stub{Err: want}.Generate(context.Background(), "x", nil)
	assert.ErrorIs(t, err, want)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Enhance(ctx, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
