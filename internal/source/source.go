// Package source fetches newsletter emails from external providers.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a fetch failure at the provider boundary, so the
// rest of the pipeline never inspects provider-specific errors.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	KindAuthFailure ErrorKind = "auth_failure"
	KindOther       ErrorKind = "other"
)

// Error is a classified fetch failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindOther for errors that
// did not come from a connector.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// SourceEmail is a provider-neutral fetched email.
type SourceEmail struct {
	MessageID      string
	NewsletterName string
	Sender         string
	Subject        string
	RawHTML        string
	CleanText      string
	ReceivedAt     time.Time
}

// Connector fetches newsletter emails newer than a watermark. Failures
// are returned as *Error so callers can branch on the kind.
type Connector interface {
	FetchSince(ctx context.Context, since time.Time) ([]SourceEmail, error)
}
