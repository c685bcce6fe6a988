package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindHTTP    Kind = "http"
	KindNetwork Kind = "network"
)

var errBodyTooLarge = errors.New("body exceeds size cap")

// FetchError is returned for every failed fetch. All kinds are retryable at the job level.
type FetchError struct {
	Kind   Kind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether an immediate in-call retry is worthwhile.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindNetwork:
		return !errors.Is(e.Err, errBodyTooLarge)
	case KindHTTP:
		return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
	}
	return false
}

// IsFetchError reports whether err wraps a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

func classify(rawURL string, err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &FetchError{Kind: KindNetwork, URL: rawURL, Err: err}
}
