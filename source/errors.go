package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/teranos/erpsync/errors"
)

// Kind classifies adapter failures.
type Kind string

const (
	KindConnection     Kind = "connection"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation"
	KindTimeout        Kind = "timeout"
	KindSystem         Kind = "system"
)

// Retryable reports whether an operation failing with k may succeed later.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindRateLimit, KindTimeout:
		return true
	}
	return false
}

// Error is an adapter failure tagged with its Kind.
type Error struct {
	Kind       Kind
	Op         string
	SourceType Type
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.SourceType != "" {
		fmt.Fprintf(&b, "%s: ", e.SourceType)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, "%s: ", e.Op)
	}
	fmt.Fprintf(&b, "%s error", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may clear up on retry.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// NewError tags err with kind. A nil err yields an error whose message is
// the kind alone.
func NewError(kind Kind, sourceType Type, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, SourceType: sourceType, Err: err}
}

// Wrap classifies err and tags it with the operation and source type.
// Errors that already carry a Kind keep it.
func Wrap(sourceType Type, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.SourceType == "" || se.Op == "" {
			c := *se
			if c.SourceType == "" {
				c.SourceType = sourceType
			}
			if c.Op == "" {
				c.Op = op
			}
			return &c
		}
		return err
	}
	return NewError(Classify(err), sourceType, op, err)
}

// Classify determines the Kind of err. Typed errors are trusted first, then
// context deadlines, then message patterns for adapters that leak raw
// driver errors.
func Classify(err error) Kind {
	if err == nil {
		return KindSystem
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		return KindTimeout
	case errors.Is(err, errors.ErrUnauthorized):
		return KindAuthentication
	case errors.Is(err, errors.ErrNotFound):
		return KindNotFound
	case errors.Is(err, errors.ErrInvalidRequest):
		return KindValidation
	case errors.Is(err, errors.ErrServiceUnavailable):
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid credentials"), strings.Contains(msg, "authentication"):
		return KindAuthentication
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"),
		strings.Contains(msg, "unreachable"), strings.Contains(msg, "no such host"):
		return KindConnection
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such file"):
		return KindNotFound
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "validation"), strings.Contains(msg, "parse"):
		return KindValidation
	}
	return KindSystem
}

// IsRetryable reports whether err is classified as a retryable kind.
func IsRetryable(err error) bool {
	return err != nil && Classify(err).Retryable()
}
