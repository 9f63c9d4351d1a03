package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stockrelay/pkg/provider/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"震荡"},{"text":"偏强"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"totalTokenCount":7}}`

func TestProvider_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		require.Len(t, req.Contents, 2)
		assert.Equal(t, "user", req.Contents[0].Role)
		assert.Equal(t, "model", req.Contents[1].Role)

		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	p := New("", "g-key", WithBaseURL(srv.URL), WithModels("gemini-test", ""))
	req := core.Request{
		Kind: core.KindAIService,
		Messages: []core.Message{
			{Role: "system", Content: "你是分析师"},
			{Role: "user", Content: "大盘如何"},
			{Role: "assistant", Content: "请稍等"},
		},
	}

	resp, err := p.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Completion)
	assert.Equal(t, "震荡偏强", resp.Completion.Content)
	assert.Equal(t, "stop", resp.Completion.FinishReason)
	assert.Equal(t, "gemini-test", resp.Completion.Model)
	assert.Equal(t, int64(7), resp.Completion.Usage.TotalTokens)
}

func TestProvider_FallbackModelOn404(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		model := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/models/"), ":generateContent")
		models = append(models, model)
		if model == "primary" {
			http.Error(w, `{"error":{"code":404,"message":"models/primary is not found"}}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	p := New("gemini", "k", WithBaseURL(srv.URL), WithModels("primary", "backup"))
	resp, err := p.Fetch(context.Background(), core.PromptRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Completion.Model)
	assert.Equal(t, []string{"primary", "backup"}, models)
}

func TestProvider_NoFallbackOnOtherErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New("gemini", "k", WithBaseURL(srv.URL), WithModels("primary", "backup"))
	_, err := p.Fetch(context.Background(), core.PromptRequest("hi"))

	kind, _ := core.KindOf(err)
	assert.Equal(t, core.ErrorQuota, kind)
	assert.Equal(t, 1, calls)
}

func TestProvider_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	p := New("gemini", "k", WithBaseURL(srv.URL))
	_, err := p.Fetch(context.Background(), core.PromptRequest("hi"))

	kind, _ := core.KindOf(err)
	assert.Equal(t, core.ErrorData, kind)
}

func TestProvider_BadRequestClassification(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind core.ErrorKind
	}{
		{"无效密钥", `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID","domain":"googleapis.com"}]}}`, core.ErrorAuth},
		{"只有原因码", `{"error":{"code":400,"status":"INVALID_ARGUMENT","details":[{"reason":"API_KEY_INVALID"}]}}`, core.ErrorAuth},
		{"普通参数错误", `{"error":{"code":400,"message":"Invalid value at 'contents'","status":"INVALID_ARGUMENT"}}`, core.ErrorData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := New("gemini", "bad-key", WithBaseURL(srv.URL), WithModels("primary", "backup"))
			_, err := p.Fetch(context.Background(), core.PromptRequest("hi"))
			require.Error(t, err)

			kind, ok := core.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, 1, calls, "400 不切换备用模型")
		})
	}
}
