// Package company resolves extracted mentions to persistent company
// records, deduplicating by name within a user's corpus.
package company

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
)

const (
	defaultConfidence = 0.8
	defaultSentiment  = "neutral"
	defaultContext    = "Mentioned in newsletter"
)

// CompanyStore is the subset of the store the resolver needs.
type CompanyStore interface {
	FindCompanyByName(ctx context.Context, userID, name string) (*model.Company, error)
	CreateCompany(ctx context.Context, company *model.Company) error
	IncrementMentionCount(ctx context.Context, companyID string) error
	InsertMention(ctx context.Context, mention *model.CompanyMention) error
}

// Resolver deduplicates extracted company mentions against the store.
type Resolver struct {
	store CompanyStore
}

// NewResolver creates a company resolver.
func NewResolver(store CompanyStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve persists a single extracted mention. Lookup is case-insensitive
// on the company name, so "OpenAI" and "openai" land on the same record.
// A new company is created on first sight; either way a mention row is
// linked to the source email and the company's mention count is bumped.
//
// The mention row is written before the count so a failure partway through
// never leaves mention_count ahead of the actual rows.
//
// Returns true when a new company record was created.
func (r *Resolver) Resolve(ctx context.Context, userID, emailID string, mention model.Mention) (bool, error) {
	name := strings.TrimSpace(mention.Name)
	if name == "" {
		return false, eris.New("company: mention has no name")
	}

	existing, err := r.store.FindCompanyByName(ctx, userID, name)
	if err != nil {
		return false, eris.Wrapf(err, "company: find %q", name)
	}

	created := false
	var companyID string
	if existing != nil {
		companyID = existing.ID
		zap.L().Debug("resolve: matched existing company",
			zap.String("name", name),
			zap.String("company_id", companyID),
		)
	} else {
		record := &model.Company{
			UserID:         userID,
			Name:           name,
			NormalizedName: Slug(name),
			Description:    mention.Description,
			Industry:       mention.Industry,
			MentionCount:   0,
		}
		if err := r.store.CreateCompany(ctx, record); err != nil {
			return false, eris.Wrapf(err, "company: create %q", name)
		}
		companyID = record.ID
		created = true
		zap.L().Info("resolve: created company",
			zap.String("name", name),
			zap.String("company_id", companyID),
		)
	}

	row := &model.CompanyMention{
		CompanyID:  companyID,
		EmailID:    emailID,
		Context:    mention.Context,
		Sentiment:  mention.Sentiment,
		Confidence: mention.Confidence,
	}
	if row.Context == "" {
		row.Context = defaultContext
	}
	if row.Sentiment == "" {
		row.Sentiment = defaultSentiment
	}
	if row.Confidence <= 0 {
		row.Confidence = defaultConfidence
	}

	if err := r.store.InsertMention(ctx, row); err != nil {
		return created, eris.Wrapf(err, "company: insert mention %q", name)
	}
	if err := r.store.IncrementMentionCount(ctx, companyID); err != nil {
		return created, eris.Wrapf(err, "company: increment mentions %q", name)
	}
	return created, nil
}
