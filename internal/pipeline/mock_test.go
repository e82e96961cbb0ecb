package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/aviswerdlow/substack-intelligence-sub001/internal/extractor"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/model"
	"github.com/aviswerdlow/substack-intelligence-sub001/internal/source"
)

// memStore is an in-memory store.Store with the same transition rules as
// the real backends.
type memStore struct {
	mu        sync.Mutex
	emails    map[string]*model.Email
	companies map[string]*model.Company
	mentions  []*model.CompanyMention

	claimErr  map[string]error // emailID -> forced claim failure
	ingestErr error
}

func newMemStore() *memStore {
	return &memStore{
		emails:    map[string]*model.Email{},
		companies: map[string]*model.Company{},
		claimErr:  map[string]error{},
	}
}

func (m *memStore) seedPending(userID, id, text string, receivedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails[id] = &model.Email{
		ID:               id,
		UserID:           userID,
		MessageID:        "mid-" + id,
		NewsletterName:   "Test Letter",
		Subject:          "subject " + id,
		CleanText:        text,
		ProcessingStatus: model.StatusPending,
		ReceivedAt:       receivedAt,
	}
}

func (m *memStore) statusOf(id string) model.ProcessingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emails[id].ProcessingStatus
}

func (m *memStore) IngestEmails(_ context.Context, emails []model.Email) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ingestErr != nil {
		return 0, m.ingestErr
	}
	inserted := 0
	for _, e := range emails {
		dup := false
		for _, existing := range m.emails {
			if existing.UserID == e.UserID && existing.MessageID == e.MessageID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		e.ID = uuid.New().String()
		e.ProcessingStatus = model.StatusPending
		cp := e
		m.emails[e.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (m *memStore) ListPendingEmails(_ context.Context, userID string, limit int) ([]model.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Email
	for _, e := range m.emails {
		if e.UserID == userID && e.ProcessingStatus == model.StatusPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CountPendingEmails(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.emails {
		if e.UserID == userID && e.ProcessingStatus == model.StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkEmailProcessing(_ context.Context, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.claimErr[emailID]; err != nil {
		return err
	}
	e, ok := m.emails[emailID]
	if !ok || e.ProcessingStatus != model.StatusPending {
		return eris.Errorf("email not pending: %s", emailID)
	}
	e.ProcessingStatus = model.StatusProcessing
	return nil
}

func (m *memStore) CompleteEmail(_ context.Context, emailID string, companiesExtracted int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[emailID]
	if !ok || e.ProcessingStatus != model.StatusProcessing {
		return eris.Errorf("email not processing: %s", emailID)
	}
	e.ProcessingStatus = model.StatusCompleted
	e.CompaniesExtracted = companiesExtracted
	e.ErrorMessage = ""
	return nil
}

func (m *memStore) FailEmail(_ context.Context, emailID string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[emailID]
	if !ok || e.ProcessingStatus != model.StatusProcessing {
		return eris.Errorf("email not processing: %s", emailID)
	}
	e.ProcessingStatus = model.StatusFailed
	e.ErrorMessage = errMsg
	return nil
}

func (m *memStore) LatestEmailReceivedAt(_ context.Context, userID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, e := range m.emails {
		if e.UserID != userID {
			continue
		}
		t := e.ReceivedAt
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

func (m *memStore) FindCompanyByName(_ context.Context, userID, name string) (*model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.companies {
		if c.UserID == userID && strings.EqualFold(c.Name, name) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateCompany(_ context.Context, company *model.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	company.ID = uuid.New().String()
	cp := *company
	m.companies[company.ID] = &cp
	return nil
}

func (m *memStore) IncrementMentionCount(_ context.Context, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[companyID]
	if !ok {
		return eris.Errorf("company not found: %s", companyID)
	}
	c.MentionCount++
	return nil
}

func (m *memStore) InsertMention(_ context.Context, mention *model.CompanyMention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mentions = append(m.mentions, mention)
	return nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

// scriptedExtractor returns canned results keyed by email text.
type scriptedExtractor struct {
	mu      sync.Mutex
	results map[string]*extractor.Result // text -> result
	delay   time.Duration
	calls   int
}

func (s *scriptedExtractor) Extract(ctx context.Context, text, _ string) (*extractor.Result, error) {
	s.mu.Lock()
	s.calls++
	res := s.results[text]
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res == nil {
		return &extractor.Result{}, nil
	}
	return res, nil
}

func (s *scriptedExtractor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func mentionsResult(names ...string) *extractor.Result {
	res := &extractor.Result{}
	for _, n := range names {
		res.Companies = append(res.Companies, model.Mention{Name: n, Confidence: 0.9, Sentiment: "neutral"})
	}
	return res
}

func failedResult(msg string) *extractor.Result {
	return &extractor.Result{Metadata: extractor.Metadata{Error: msg}}
}

// trackingResolver creates a company per distinct name.
type trackingResolver struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newTrackingResolver() *trackingResolver {
	return &trackingResolver{seen: map[string]bool{}}
}

func (r *trackingResolver) Resolve(_ context.Context, userID, _ string, mention model.Mention) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	key := userID + "/" + strings.ToLower(mention.Name)
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	return true, nil
}

// scriptedConnector returns canned fetch results or a classified error.
type scriptedConnector struct {
	emails []source.SourceEmail
	err    error
	calls  int
}

func (c *scriptedConnector) FetchSince(_ context.Context, _ time.Time) ([]source.SourceEmail, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.emails, nil
}

// captureEmitter records emitted events.
type captureEmitter struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (c *captureEmitter) Emit(_ context.Context, ev ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureEmitter) stages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.Stage)
	}
	return out
}
