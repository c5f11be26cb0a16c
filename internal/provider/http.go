package provider

import (
	"net/http"
	"strconv"
	"time"

	"social-publisher/internal/models"
)

const defaultTimeout = 30 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// classifyStatus maps an HTTP response to the shared error taxonomy. The
// dispatcher and retry engine only ever look at the kind.
func classifyStatus(platform string, status int, body string, hdr http.Header) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &models.PublishError{
			Kind:    models.KindUnauthorized,
			Message: platform + " rejected credentials: " + trim(body),
		}
	case status == http.StatusTooManyRequests:
		pe := &models.PublishError{
			Kind:    models.KindRateLimited,
			Message: platform + " throttled the request",
		}
		if at, ok := retryAfter(hdr); ok {
			pe.RetryAt = &at
		}
		return pe
	case status >= 500:
		return &models.PublishError{
			Kind:    models.KindServerError,
			Message: platform + " server error " + strconv.Itoa(status) + ": " + trim(body),
		}
	case status >= 400:
		return &models.PublishError{
			Kind:    models.KindContentRejected,
			Message: platform + " rejected content (" + strconv.Itoa(status) + "): " + trim(body),
		}
	default:
		return &models.PublishError{
			Kind:    models.KindServerError,
			Message: platform + " unexpected status " + strconv.Itoa(status),
		}
	}
}

// retryAfter parses Retry-After as either delay seconds or an HTTP date.
func retryAfter(hdr http.Header) (time.Time, bool) {
	v := hdr.Get("Retry-After")
	if v == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Now().Add(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// observeRateHeaders reports X-RateLimit style budgets when present.
func observeRateHeaders(obs RateObserver, accountID, class string, hdr http.Header) {
	if obs == nil {
		return
	}
	remStr := hdr.Get("X-RateLimit-Remaining")
	resetStr := hdr.Get("X-RateLimit-Reset")
	if remStr == "" || resetStr == "" {
		return
	}
	remaining, err := strconv.Atoi(remStr)
	if err != nil {
		return
	}
	epoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return
	}
	obs(accountID, class, remaining, time.Unix(epoch, 0))
}

func wrapConfig(err error) error  { return models.WrapPublishError(models.KindConfiguration, err) }
func wrapNetwork(err error) error { return models.WrapPublishError(models.KindNetwork, err) }

func errNoExternalID(platform string) error {
	return models.NewPublishError(models.KindServerError, platform+" response carried no post id")
}

func trim(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
