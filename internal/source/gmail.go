package source

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailConnector fetches newsletter emails over the Gmail API.
type GmailConnector struct {
	svc   *gmail.Service
	query string
}

// GmailCredentials holds the OAuth material for one user's mailbox.
type GmailCredentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// NewGmail builds a connector for one mailbox. query narrows the search
// to newsletter mail (e.g. "label:newsletters").
func NewGmail(ctx context.Context, creds GmailCredentials, query string) (*GmailConnector, error) {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, eris.Wrap(err, "gmail: create service")
	}
	return &GmailConnector{svc: svc, query: query}, nil
}

// FetchSince lists messages received after the watermark and hydrates
// each one. Errors are classified into *Error at this boundary.
func (g *GmailConnector) FetchSince(ctx context.Context, since time.Time) ([]SourceEmail, error) {
	query := g.query
	if !since.IsZero() {
		// Gmail's after: operator has day granularity with dates; the
		// epoch-seconds form keeps the overlap window tight.
		query = strings.TrimSpace(fmt.Sprintf("%s after:%d", g.query, since.Unix()))
	}

	var ids []string
	pageToken := ""
	for {
		call := g.svc.Users.Messages.List("me").Q(query).MaxResults(100).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classify(err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	zap.L().Debug("gmail: listed messages",
		zap.String("query", query),
		zap.Int("count", len(ids)),
	)

	emails := make([]SourceEmail, 0, len(ids))
	for _, id := range ids {
		msg, err := g.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, classify(err)
		}
		emails = append(emails, fromGmailMessage(msg))
	}
	return emails, nil
}

// classify maps a Gmail API error onto the connector error taxonomy.
func classify(err error) error {
	kind := KindOther

	var apiErr *googleapi.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			kind = KindRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = KindAuthFailure
		}
	}

	return &Error{Kind: kind, Err: err}
}

func fromGmailMessage(msg *gmail.Message) SourceEmail {
	sender := header(msg.Payload, "From")
	name := sender
	if idx := strings.Index(sender, "<"); idx > 0 {
		name = strings.Trim(strings.TrimSpace(sender[:idx]), `"`)
	}

	html, plain := messageBody(msg.Payload)
	clean := plain
	if clean == "" {
		clean = StripHTML(html)
	}

	return SourceEmail{
		MessageID:      msg.Id,
		NewsletterName: name,
		Sender:         sender,
		Subject:        header(msg.Payload, "Subject"),
		RawHTML:        html,
		CleanText:      clean,
		ReceivedAt:     time.UnixMilli(msg.InternalDate).UTC(),
	}
}

func header(payload *gmail.MessagePart, name string) string {
	if payload == nil {
		return ""
	}
	for _, h := range payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// messageBody walks the MIME tree collecting the html and plain parts.
func messageBody(payload *gmail.MessagePart) (html, plain string) {
	if payload == nil {
		return "", ""
	}
	if payload.Body != nil && payload.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			if payload.MimeType == "text/html" {
				return string(data), ""
			}
			return "", string(data)
		}
	}

	var walk func(parts []*gmail.MessagePart)
	walk = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				data, err := base64.URLEncoding.DecodeString(part.Body.Data)
				if err == nil {
					switch part.MimeType {
					case "text/html":
						html = string(data)
					case "text/plain":
						plain = string(data)
					}
				}
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)
	return html, plain
}

var (
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	stylePattern  = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
	entityReplace = strings.NewReplacer(
		"&nbsp;", " ",
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
		"&quot;", `"`,
		"&#39;", "'",
	)
)

// StripHTML reduces newsletter HTML to extraction-ready text.
func StripHTML(html string) string {
	text := stylePattern.ReplaceAllString(html, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	text = entityReplace.Replace(text)
	return strings.Join(strings.Fields(text), " ")
}
