package model

import "time"

// Company is one entry in a user's company registry. NormalizedName is
// unique per user and derived from Name at creation time.
type Company struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Name           string    `json:"name" db:"name"`
	NormalizedName string    `json:"normalized_name" db:"normalized_name"`
	Description    string    `json:"description,omitempty" db:"description"`
	Industry       string    `json:"industry,omitempty" db:"industry"`
	MentionCount   int       `json:"mention_count" db:"mention_count"`
	FirstSeenAt    time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at" db:"last_updated_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// CompanyMention records one occurrence of a company in one email.
// Immutable after insert.
type CompanyMention struct {
	ID          string    `json:"id" db:"id"`
	CompanyID   string    `json:"company_id" db:"company_id"`
	EmailID     string    `json:"email_id" db:"email_id"`
	Context     string    `json:"context" db:"context"`
	Sentiment   string    `json:"sentiment" db:"sentiment"`
	Confidence  float64   `json:"confidence" db:"confidence"`
	ExtractedAt time.Time `json:"extracted_at" db:"extracted_at"`
}

// Mention is one company occurrence reported by the extractor, before
// resolution against the registry.
type Mention struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Industry    string  `json:"industry,omitempty"`
	Context     string  `json:"context,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Sentiment   string  `json:"sentiment,omitempty"`
}
