package llm

import (
	"errors"
	"fmt"
)

const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderDummy  = "dummy"
)

var (
	// ErrNoAPIKey is returned when a provider requires an API key but none is set.
	ErrNoAPIKey = errors.New("llm: API key required")

	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrEmptyContext is returned when Generate is called without messages.
	ErrEmptyContext = errors.New("llm: empty context")
)

// APIError represents an error response from a model API.
type APIError struct {
	StatusCode int
	Message    string
	Provider   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500 || e.StatusCode == 0
}

// IsPermanent reports whether retrying err is pointless (bad credentials, bad request).
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNoAPIKey) || errors.Is(err, ErrEmptyContext) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.IsRetryable()
	}
	return false
}
