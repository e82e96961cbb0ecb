package model

import "time"

// SyncStatus is the coarse phase of a sync run, published to the status
// cache so dashboards can render progress.
type SyncStatus string

const (
	SyncStatusIdle       SyncStatus = "idle"
	SyncStatusFetching   SyncStatus = "fetching"
	SyncStatusExtracting SyncStatus = "extracting"
	SyncStatusComplete   SyncStatus = "complete"
	SyncStatusPartial    SyncStatus = "partial_completion"
	SyncStatusError      SyncStatus = "error"
)

// PipelineStatus is the tenant-scoped progress snapshot. It is overwritten
// wholesale on every state change and is not durable across restarts.
type PipelineStatus struct {
	UserID             string     `json:"user_id"`
	Status             SyncStatus `json:"status"`
	Progress           int        `json:"progress"` // 0-100
	Message            string     `json:"message"`
	EmailsFetched      int        `json:"emails_fetched"`
	CompaniesExtracted int        `json:"companies_extracted"`
	NewCompanies       int        `json:"new_companies"`
	Failed             int        `json:"failed"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SyncResult is the outcome of one Coordinator run.
type SyncResult struct {
	Success            bool     `json:"success"`
	Busy               bool     `json:"busy,omitempty"`
	Fresh              bool     `json:"fresh,omitempty"`
	RetryAfter         int      `json:"retry_after_secs,omitempty"`
	EmailsFetched      int      `json:"emails_fetched"`
	Processed          int      `json:"processed"`
	Remaining          int      `json:"remaining"`
	CompaniesExtracted int      `json:"companies_extracted"`
	NewCompanies       int      `json:"new_companies"`
	Failed             int      `json:"failed"`
	Errors             []string `json:"errors,omitempty"`
}

// BatchResult is the outcome of one Batch Runner invocation. Processed
// counts both completed and failed emails; Remaining is a fresh count of
// still-pending emails taken after the batch finished.
type BatchResult struct {
	Processed          int      `json:"processed"`
	Remaining          int      `json:"remaining"`
	CompaniesExtracted int      `json:"companies_extracted"`
	NewCompanies       int      `json:"new_companies"`
	Failed             int      `json:"failed"`
	Errors             []string `json:"errors,omitempty"`
}

// SyncOptions controls one Coordinator run.
type SyncOptions struct {
	ForceRefresh bool `json:"force_refresh"`
	DaysBack     int  `json:"days_back"`
}

// BatchOptions controls a direct backlog drain without a source fetch.
type BatchOptions struct {
	BatchSize int           `json:"batch_size"`
	Budget    time.Duration `json:"-"`
}
