package ai

import (
	"errors"
	"fmt"
)

// ErrUnsupportedModel is returned by the registry when neither the provider
// name nor the model identifier maps to a registered adapter.
var ErrUnsupportedModel = errors.New("unsupported model")

// ProviderError is any upstream vendor failure: non-2xx status, timeout or a
// malformed response body. Message is always generic; raw vendor payloads are
// logged internally and never surfaced to callers.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s (vendor status %d)", e.Message, e.Status)
	}
	return "provider: " + e.Message
}

func upstreamFailure(status int) *ProviderError {
	return &ProviderError{Status: status, Message: "upstream request failed"}
}

func malformedResponse() *ProviderError {
	return &ProviderError{Message: "malformed provider response"}
}
