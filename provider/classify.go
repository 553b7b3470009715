package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/takaraflow/cachefabric"
)

// ClassifyHTTPStatus turns an HTTP response status into a classified
// cachefabric.Error, per the failover controller's retryable /
// auth-terminal / client taxonomy. status must not be a 2xx (callers
// check that separately) or 404 (callers treat that as not-found, not an
// error).
func ClassifyHTTPStatus(id ID, key string, status int, body string) *cachefabric.Error {
	cause := errors.New(strings.TrimSpace(body))
	if cause.Error() == "" {
		cause = nil
	}

	switch {
	case status == 401 || status == 403:
		return cachefabric.New(cachefabric.KindAuth, string(id), key, cause)
	case status == 429:
		return cachefabric.New(cachefabric.KindTransient, string(id), key, cause)
	case status >= 500:
		return cachefabric.New(cachefabric.KindTransient, string(id), key, cause)
	default:
		return cachefabric.New(cachefabric.KindClient, string(id), key, cause)
	}
}

// ClassifyTransportError classifies a transport-level failure (DNS,
// connection refused/reset, timeout, or context cancellation) coming
// back from net/http or a native client library.
func ClassifyTransportError(id ID, key string, err error) *cachefabric.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cachefabric.Cancelled(err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return cachefabric.New(cachefabric.KindTransient, string(id), key, err)
		}
	}
	for _, marker := range authTerminalMarkers {
		if strings.Contains(msg, marker) {
			return cachefabric.New(cachefabric.KindAuth, string(id), key, err)
		}
	}
	return cachefabric.New(cachefabric.KindTransient, string(id), key, err)
}

var retryableMarkers = []string{
	"econnreset",
	"econnrefused",
	"etimedout",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"no such host",
	"timeout",
	"quota exceeded",
	"rate limit",
	"free usage limit",
}

var authTerminalMarkers = []string{
	"wrongpass",
	"noauth",
	"invalid username-password pair",
	"invalid password",
}
