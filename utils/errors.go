package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRangeIgnored means the server answered a ranged request with the
	// full content; local partial bytes must be discarded before retrying.
	ErrRangeIgnored = errors.New("fetch: server ignored range request")
	// ErrRangeNotSatisfiable means the requested offset is out of sync with
	// the remote object (HTTP 416); restart from zero.
	ErrRangeNotSatisfiable = errors.New("fetch: requested range not satisfiable")
)

type HTTPStatusError struct {
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected HTTP status %d %s", e.Status, http.StatusText(e.Status))
}

type SizeError struct {
	Name string
	Want int64
	Got  int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("fetch: size mismatch for %s: expected %d bytes, got %d", e.Name, e.Want, e.Got)
}

type DigestError struct {
	Name string
	Want string
	Got  string
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("verify: digest mismatch for %s: expected %s, got %s", e.Name, e.Want, e.Got)
}

// IsRetryable classifies an error for the per-file retry loop. Corruption
// signals (size/digest mismatch) are retryable because a clean re-download
// repairs them; client errors other than 429 are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.Status == http.StatusTooManyRequests {
			return true
		}
		return statusErr.Status >= 500
	}
	var sizeErr *SizeError
	if errors.As(err, &sizeErr) {
		return true
	}
	var digestErr *DigestError
	if errors.As(err, &digestErr) {
		return true
	}
	// Transport resets, timeouts and transient IO failures land here.
	return true
}
