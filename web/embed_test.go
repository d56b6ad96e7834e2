package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSPAHandler(t *testing.T) {
	h := SPAHandler()

	tests := []struct {
		name      string
		method    string
		path      string
		wantCode  int
		wantIndex bool
	}{
		{"root", http.MethodGet, "/", http.StatusOK, true},
		{"client route falls back", http.MethodGet, "/history/abc", http.StatusOK, true},
		{"head", http.MethodHead, "/", http.StatusOK, false},
		{"post rejected", http.MethodPost, "/", http.StatusMethodNotAllowed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantIndex {
				assert.Contains(t, rec.Body.String(), "ALVA &amp; Bob")
				assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
			}
		})
	}
}
