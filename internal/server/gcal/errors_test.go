package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func apiErr(code int, reason string) *googleapi.Error {
	e := &googleapi.Error{Code: code}
	if reason != "" {
		e.Errors = []googleapi.ErrorItem{{Reason: reason}}
	}
	return e
}

func TestWrapError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"server error", apiErr(500, ""), Transient},
		{"bad gateway", apiErr(502, ""), Transient},
		{"too many requests", apiErr(429, ""), Transient},
		{"request timeout", apiErr(408, ""), Transient},
		{"403 rate limit", apiErr(403, "rateLimitExceeded"), Transient},
		{"403 user rate limit", apiErr(403, "userRateLimitExceeded"), Transient},
		{"403 quota", apiErr(403, "quotaExceeded"), Transient},
		{"403 forbidden", apiErr(403, "forbidden"), Permanent},
		{"401 unauthorized", apiErr(401, ""), Permanent},
		{"404 not found", apiErr(404, ""), Permanent},
		{"410 gone", apiErr(410, ""), Permanent},
		{"400 bad request", apiErr(400, "invalid"), Validation},
		{"422 unprocessable", apiErr(422, ""), Validation},
		{"context deadline", context.DeadlineExceeded, Transient},
		{"context canceled", context.Canceled, Transient},
		{"network timeout", timeoutErr{}, Transient},
		{"unknown error", fmt.Errorf("boom"), Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapError(tt.err)
			if got == nil {
				t.Fatalf("wrapError returned nil")
			}
			if ClassOf(got) != tt.want {
				t.Errorf("class: got %s, want %s", ClassOf(got), tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("original error lost: %v", got)
			}
		})
	}
}

func TestWrapError_Nil(t *testing.T) {
	t.Parallel()

	if wrapError(nil) != nil {
		t.Fatalf("wrapError(nil) must be nil")
	}
}

func TestWrapError_AlreadyWrapped(t *testing.T) {
	t.Parallel()

	first := wrapError(apiErr(404, ""))
	second := wrapError(first)
	if first != second {
		t.Fatalf("double wrap: got a new error")
	}
}

func TestWrapError_OAuthRetrieve(t *testing.T) {
	t.Parallel()

	re := &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: 400},
		ErrorCode: "invalid_grant",
	}

	got := wrapError(re)
	if ClassOf(got) != Permanent {
		t.Errorf("class: got %s, want permanent", ClassOf(got))
	}
	if !IsTokenRevoked(got) {
		t.Errorf("expected token revoked")
	}
}

func TestIsNotFoundAndIsGone(t *testing.T) {
	t.Parallel()

	notFound := wrapError(apiErr(404, ""))
	gone := wrapError(apiErr(410, ""))
	denied := wrapError(apiErr(403, ""))

	if !IsNotFound(notFound) || !IsNotFound(gone) {
		t.Errorf("404/410 must both read as not found")
	}
	if IsNotFound(denied) {
		t.Errorf("403 is not \"not found\"")
	}
	if IsGone(notFound) {
		t.Errorf("404 is not gone")
	}
	if !IsGone(gone) {
		t.Errorf("410 must read as gone")
	}

	// raw googleapi errors work too, for callers outside the retry path
	if !IsNotFound(apiErr(404, "")) || !IsGone(apiErr(410, "")) {
		t.Errorf("raw googleapi errors must classify")
	}
}

func TestIsTokenRevoked(t *testing.T) {
	t.Parallel()

	if !IsTokenRevoked(wrapError(apiErr(401, ""))) {
		t.Errorf("401 must read as revoked")
	}
	if IsTokenRevoked(wrapError(apiErr(500, ""))) {
		t.Errorf("500 is not revoked")
	}
	if IsTokenRevoked(nil) {
		t.Errorf("nil is not revoked")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !IsTransient(wrapError(apiErr(503, ""))) {
		t.Errorf("503 must be transient")
	}
	if IsTransient(wrapError(apiErr(404, ""))) {
		t.Errorf("404 must not be transient")
	}
	if IsTransient(nil) {
		t.Errorf("nil must not be transient")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	withCode := wrapError(apiErr(429, "rateLimitExceeded"))
	if s := withCode.Error(); s == "" {
		t.Errorf("empty error string")
	}

	noCode := wrapError(fmt.Errorf("dial tcp: connection refused"))
	if s := noCode.Error(); s == "" {
		t.Errorf("empty error string")
	}
}
