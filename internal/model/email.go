// Package model defines the core domain types shared across the sync pipeline.
package model

import "time"

// ProcessingStatus tracks an email through the extraction pipeline.
// Transitions only move forward: pending -> processing -> completed|failed.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. A terminal status never transitions again.
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status is an end state.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Email is one ingested newsletter issue for a user.
type Email struct {
	ID                 string           `json:"id" db:"id"`
	UserID             string           `json:"user_id" db:"user_id"`
	MessageID          string           `json:"message_id" db:"message_id"`
	NewsletterName     string           `json:"newsletter_name" db:"newsletter_name"`
	Sender             string           `json:"sender" db:"sender"`
	Subject            string           `json:"subject" db:"subject"`
	RawHTML            string           `json:"raw_html,omitempty" db:"raw_html"`
	CleanText          string           `json:"clean_text" db:"clean_text"`
	ProcessingStatus   ProcessingStatus `json:"processing_status" db:"processing_status"`
	CompaniesExtracted int              `json:"companies_extracted" db:"companies_extracted"`
	ErrorMessage       string           `json:"error_message,omitempty" db:"error_message"`
	ReceivedAt         time.Time        `json:"received_at" db:"received_at"`
	ProcessedAt        *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}
