package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := newGemini(context.Background(), &genai.ClientConfig{
		APIKey:      "test-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	}, "gemini-test", 5*time.Second, nil)
	require.NoError(t, err)
	return g
}

func geminiReply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": text}},
			},
		}},
	})
}

func TestGeminiGenerate(t *testing.T) {
	var got struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	var path string
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		geminiReply(w, "  知は力なり（フランシス・ベーコン）\n")
	})

	text, err := g.Generate(context.Background(), []Message{
		{Role: RoleUser, Text: "instructions"},
		{Role: RoleModel, Text: "mine"},
		{Role: RoleUser, Text: "theirs"},
	})
	require.NoError(t, err)
	assert.Equal(t, "知は力なり（フランシス・ベーコン）", text)

	assert.True(t, strings.HasSuffix(path, "/models/gemini-test:generateContent"), path)
	require.Len(t, got.Contents, 3)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
	assert.Equal(t, "user", got.Contents[2].Role)
	require.Len(t, got.Contents[1].Parts, 1)
	assert.Equal(t, "mine", got.Contents[1].Parts[0].Text)
}

func TestGeminiEmptyResponse(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		geminiReply(w, "   ")
	})

	_, err := g.Generate(context.Background(), []Message{{Role: RoleUser, Text: "x"}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGeminiAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "quota is retryable", status: http.StatusTooManyRequests, retryable: true},
		{name: "bad request is permanent", status: http.StatusBadRequest, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": tt.status, "message": "nope", "status": "ERR"},
				})
			})

			_, err := g.Generate(context.Background(), []Message{{Role: RoleUser, Text: "x"}})
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "got %T: %v", err, err)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, ProviderGemini, apiErr.Provider)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, tt.retryable, apiErr.IsRetryable())
			assert.Equal(t, !tt.retryable, IsPermanent(err))
		})
	}
}

func TestGeminiRejectsEmptyContext(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	})
	_, err := g.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyContext)
}
