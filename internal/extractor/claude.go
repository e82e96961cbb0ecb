package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
	"github.com/aviswerdlow/substack-intelligence-sub001/pkg/anthropic"
)

// systemPrompt instructs the model to return strict JSON. Newsletter text
// is noisy, so the prompt is explicit about what does not count as a
// company mention.
const systemPrompt = `You are an analyst extracting company mentions from newsletter emails.

Identify companies that are substantively discussed in the text: startups, acquisitions, product launches, funding rounds, notable partnerships.

Do NOT extract:
- The newsletter or its author
- Companies mentioned only in advertisements, sponsorships, or footers
- Generic references with no substance (e.g. "companies like Google")

Rules:
- Return ONLY a valid JSON array, no prose
- confidence is 0.0-1.0 based on how clearly the text discusses the company
- sentiment is "positive", "negative", or "neutral"
- context is the sentence or phrase where the company appears, verbatim`

// ClaudeExtractor implements Extractor with the Anthropic API. A shared
// rate limiter keeps concurrent syncs under the account's request ceiling.
type ClaudeExtractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

// NewClaude creates a Claude-backed extractor. rps bounds requests per
// second across all callers of this instance.
func NewClaude(client anthropic.Client, modelID string, maxTokens int64, rps float64) *ClaudeExtractor {
	if rps <= 0 {
		rps = 2
	}
	return &ClaudeExtractor{
		client:    client,
		model:     modelID,
		maxTokens: maxTokens,
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// rawMention mirrors the JSON shape the prompt requests.
type rawMention struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Industry    string  `json:"industry"`
	Context     string  `json:"context"`
	Confidence  float64 `json:"confidence"`
	Sentiment   string  `json:"sentiment"`
}

func (e *ClaudeExtractor) Extract(ctx context.Context, text, sourceName string) (*Result, error) {
	start := time.Now()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "extractor: rate limit wait")
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.SystemBlock{{
			Text:         systemPrompt,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: buildUserMessage(text, sourceName),
		}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "extractor: canceled")
		}
		zap.L().Warn("extractor: api call failed",
			zap.String("source", sourceName),
			zap.Error(err),
		)
		return &Result{Metadata: Metadata{
			ProcessingTime: time.Since(start),
			Model:          e.model,
			Error:          err.Error(),
		}}, nil
	}

	resp.Usage.LogCost(e.model, "extract")

	mentions, parseErr := parseMentions(resp.Text())
	meta := Metadata{
		ProcessingTime: time.Since(start),
		TokenCount:     resp.Usage.Total(),
		Model:          e.model,
	}
	if parseErr != nil {
		zap.L().Warn("extractor: unparseable response",
			zap.String("source", sourceName),
			zap.Error(parseErr),
		)
		meta.Error = parseErr.Error()
		return &Result{Metadata: meta}, nil
	}

	return &Result{Companies: mentions, Metadata: meta}, nil
}

func buildUserMessage(text, sourceName string) string {
	return fmt.Sprintf(`Newsletter: %s

Text:
%s

Respond with ONLY a JSON array in this format:
[
  {
    "name": "<company name>",
    "description": "<one-line description>",
    "industry": "<industry>",
    "context": "<verbatim sentence where mentioned>",
    "confidence": <0.0 to 1.0>,
    "sentiment": "<positive|negative|neutral>"
  }
]

Return [] if no companies are substantively mentioned.`, sourceName, text)
}

// parseMentions decodes the model output, tolerating markdown fences but
// nothing else. Mentions without a name are dropped; out-of-range fields
// are normalized rather than rejected.
func parseMentions(raw string) ([]model.Mention, error) {
	cleaned := cleanJSONArray(raw)
	if cleaned == "" {
		return nil, eris.New("extractor: empty response")
	}

	var rows []rawMention
	if err := json.Unmarshal([]byte(cleaned), &rows); err != nil {
		return nil, eris.Wrap(err, "extractor: decode response")
	}

	mentions := make([]model.Mention, 0, len(rows))
	for _, r := range rows {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		if r.Confidence < 0 {
			r.Confidence = 0
		}
		if r.Confidence > 1 {
			r.Confidence = 1
		}
		switch r.Sentiment {
		case "positive", "negative", "neutral":
		default:
			r.Sentiment = "neutral"
		}
		mentions = append(mentions, model.Mention{
			Name:        name,
			Description: strings.TrimSpace(r.Description),
			Industry:    strings.TrimSpace(r.Industry),
			Context:     strings.TrimSpace(r.Context),
			Confidence:  r.Confidence,
			Sentiment:   r.Sentiment,
		})
	}
	return mentions, nil
}

// cleanJSONArray strips markdown fences and isolates the JSON array.
func cleanJSONArray(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
