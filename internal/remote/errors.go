package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"subsync/client/internal/auth"
)

var (
	ErrUnauthorized = errors.New("remote unauthorized")
	ErrInvalidThing = errors.New("invalid thing id")
)

// RateLimitError reports that the server asked the client to slow down.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("remote rate limited, retry after %s", e.RetryAfter)
	}
	return "remote rate limited"
}

// NetworkError wraps a transport failure of one remote operation.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("remote %s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError is an unexpected HTTP status from the server.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote status %d: %s", e.Status, e.Body)
}

// APIError is an error the server reported inside a successful response.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("remote api error %s: %s", e.Code, e.Message) }

// Class buckets a remote outcome for retry decisions and statistics.
type Class int

const (
	ClassNone Class = iota
	ClassAuth
	ClassNetwork
	ClassRateLimited
	ClassValidation
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuth:
		return "auth"
	case ClassNetwork:
		return "network"
	case ClassRateLimited:
		return "rate-limited"
	case ClassValidation:
		return "validation"
	default:
		return "class(" + strconv.Itoa(int(c)) + ")"
	}
}

// Classify maps an error from this package (or the credential provider)
// onto a Class. Errors it does not recognize count as network failures so
// they are retried.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, auth.ErrNoCredentials) {
		return ClassAuth
	}
	if errors.Is(err, ErrInvalidThing) {
		return ClassValidation
	}
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return ClassRateLimited
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return ClassValidation
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == http.StatusUnauthorized || statusErr.Status == http.StatusForbidden:
			return ClassAuth
		case statusErr.Status == http.StatusTooManyRequests:
			return ClassRateLimited
		case statusErr.Status == http.StatusRequestTimeout || statusErr.Status >= 500:
			return ClassNetwork
		default:
			return ClassValidation
		}
	}
	return ClassNetwork
}

// Result is the outcome of one remote mutation.
type Result struct {
	Success   bool
	Retryable bool
	// Backoff is the delay the server suggested, zero when it gave none.
	Backoff time.Duration
	Class   Class
	Err     error
	// ThingID is the id the server assigned to a newly created thing.
	ThingID string
}

func NewResult(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	class := Classify(err)
	result := Result{
		Class:     class,
		Err:       err,
		Retryable: class == ClassNetwork || class == ClassRateLimited,
	}
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		result.Backoff = rateLimit.RetryAfter
	}
	return result
}

func retryAfter(header http.Header, now time.Time) time.Duration {
	if value := strings.TrimSpace(header.Get("Retry-After")); value != "" {
		if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
		if at, err := http.ParseTime(value); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if value := strings.TrimSpace(header.Get("X-Ratelimit-Reset")); value != "" {
		if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return 0
}
