package gcal

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Classification drives what the caller does with a failed call: transient
// errors are retried and never advance a cursor, permanent ones deactivate
// the calendar, validation ones skip a single event.
type Classification int

const (
	Transient Classification = iota
	Permanent
	Validation
)

func (c Classification) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the classified form of every error leaving this package.
type Error struct {
	Class  Classification
	Code   int
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("calendar api: %s (http %d): %v", e.Class, e.Code, e.err)
	}
	return fmt.Sprintf("calendar api: %s: %v", e.Class, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// rate limit reasons arrive as 403s but are retryable.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// wrapError classifies err. Unknown shapes default to Transient: a wrongly
// permanent classification deactivates a calendar, a wrongly transient one
// only costs a retry.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		reason := ""
		if len(ge.Errors) > 0 {
			reason = ge.Errors[0].Reason
		}
		class := Transient
		switch {
		case ge.Code == 429 || ge.Code == 408 || ge.Code >= 500:
			class = Transient
		case ge.Code == 403 && rateLimitReasons[reason]:
			class = Transient
		case ge.Code == 401 || ge.Code == 403 || ge.Code == 404 || ge.Code == 410:
			class = Permanent
		case ge.Code == 400 || ge.Code == 422:
			class = Validation
		}
		return &Error{Class: class, Code: ge.Code, Reason: reason, err: err}
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := 0
		if re.Response != nil {
			code = re.Response.StatusCode
		}
		return &Error{Class: Permanent, Code: code, Reason: re.ErrorCode, err: err}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: Transient, err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return &Error{Class: Transient, err: err}
	}

	return &Error{Class: Transient, err: err}
}

// ClassOf extracts the classification; unclassified errors count as
// Transient.
func ClassOf(err error) Classification {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Transient
}

func IsTransient(err error) bool { return err != nil && ClassOf(err) == Transient }

// IsNotFound reports whether the remote object is gone (404 or 410).
func IsNotFound(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == 404 || ce.Code == 410
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code == 404 || ge.Code == 410
	}
	return false
}

// IsGone reports a 410 specifically; on a listing it means the sync token
// expired.
func IsGone(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == 410
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code == 410
	}
	return false
}

// IsTokenRevoked reports whether the account's refresh token no longer
// works: an invalid_grant from the token endpoint or a plain 401.
func IsTokenRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant"
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == 401 || ce.Reason == "invalid_grant"
	}
	return false
}
