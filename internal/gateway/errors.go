package gateway

import "errors"

// Failure taxonomy for the generation pipeline. Handlers map these to HTTP
// statuses; quota denials and provider failures carry their own typed errors
// (quota.ExceededError, ai.ProviderError).
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrSessionNotFound = errors.New("session not found")
)
