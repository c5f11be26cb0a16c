package models

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds shared by the provider layer, retry engine, and dispatcher.
// The dispatcher makes every retry/fault decision from the kind alone, never
// from platform-specific error values.
const (
	KindNetwork         = "network"
	KindRateLimited     = "rate_limited"
	KindServerError     = "server_error"
	KindUnauthorized    = "unauthorized"
	KindAccountRevoked  = "account_revoked"
	KindContentRejected = "content_rejected"
	KindConfiguration   = "configuration_error"
)

// RetryableKind reports whether an error kind is worth another attempt.
func RetryableKind(kind string) bool {
	switch kind {
	case KindNetwork, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// PublishError is the classified form of any failure crossing the provider
// boundary. RetryAt is set only for rate-limit errors where the platform
// reported when to come back.
type PublishError struct {
	Kind    string
	Message string
	RetryAt *time.Time
	Cause   error
}

func (e *PublishError) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// NewPublishError builds a classified error.
func NewPublishError(kind, message string) *PublishError {
	return &PublishError{Kind: kind, Message: message}
}

// WrapPublishError classifies an underlying error.
func WrapPublishError(kind string, cause error) *PublishError {
	return &PublishError{Kind: kind, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the error kind, defaulting to network for unclassified
// errors so transport-level surprises stay retryable.
func KindOf(err error) string {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNetwork
}
