// Package extractor turns newsletter text into structured company
// mentions using Claude.
package extractor

import (
	"context"
	"time"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

// Metadata describes one extraction attempt. A non-empty Error means the
// attempt failed and the source email should be marked failed; mentions
// are never partially trusted from a failed attempt.
type Metadata struct {
	ProcessingTime time.Duration
	TokenCount     int64
	Model          string
	Error          string
}

// Result is the outcome of extracting one email.
type Result struct {
	Companies []model.Mention
	Metadata  Metadata
}

// Failed reports whether the attempt produced no usable result.
func (r *Result) Failed() bool {
	return r.Metadata.Error != ""
}

// Extractor extracts company mentions from newsletter text. A returned
// error means the call itself could not run (context canceled); per-email
// failures are reported through Result.Metadata.Error instead.
type Extractor interface {
	Extract(ctx context.Context, text, sourceName string) (*Result, error)
}
