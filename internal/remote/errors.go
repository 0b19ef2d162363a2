package remote

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/go-github/v57/github"
)

// Sentinel errors returned by the remote client. Callers branch on these to
// pick a recovery strategy.
var (
	// ErrNotFound means the remote entity no longer exists. Treated as a
	// logged no-op by sync operations.
	ErrNotFound = errors.New("remote entity not found")

	// ErrRevisionConflict means a file write raced a concurrent update: the
	// expected revision token no longer matches. Callers refetch and retry.
	ErrRevisionConflict = errors.New("revision token conflict")
)

// TransientError wraps a failure that is expected to clear on retry:
// timeouts, 5xx responses, rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps raw client errors into the sentinel/transient taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &TransientError{Err: err}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &TransientError{Err: err}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case code == http.StatusConflict:
			return fmt.Errorf("%w: %v", ErrRevisionConflict, err)
		case code == http.StatusTooManyRequests:
			return &TransientError{Err: err}
		case code >= 500:
			return &TransientError{Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Err: err}
	}

	return err
}
