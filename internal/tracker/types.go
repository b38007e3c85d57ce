package tracker

import "time"

// CredentialStatus is the lifecycle state of a pooled credential.
type CredentialStatus string

// Credential status values persisted in the credential store.
const (
	StatusActive    CredentialStatus = "active"
	StatusExhausted CredentialStatus = "exhausted"
	StatusPaused    CredentialStatus = "paused"
	StatusError     CredentialStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s CredentialStatus) Valid() bool {
	switch s {
	case StatusActive, StatusExhausted, StatusPaused, StatusError:
		return true
	default:
		return false
	}
}

// CredentialSource records where a credential definition came from.
type CredentialSource string

// Credential sources.
const (
	SourceConfig  CredentialSource = "config"
	SourceRuntime CredentialSource = "runtime"
)

// Credential is one provider API key plus its quota and health bookkeeping.
type Credential struct {
	ID             string           `json:"id"`
	Secret         string           `json:"-"`
	Source         CredentialSource `json:"source"`
	DailyLimit     int              `json:"daily_limit"`
	MonthlyLimit   int              `json:"monthly_limit"`
	UsedToday      int              `json:"used_today"`
	UsedThisMonth  int              `json:"used_this_month"`
	Status         CredentialStatus `json:"status"`
	Priority       int              `json:"priority"`
	LastUsed       time.Time        `json:"last_used"`
	ErrorCount     int              `json:"error_count"`
	SuccessRate    float64          `json:"success_rate"`
	MonthlyResetAt time.Time        `json:"monthly_reset_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Selectable reports whether the credential has quota left and is active.
func (c Credential) Selectable() bool {
	return c.Status == StatusActive &&
		c.UsedToday < c.DailyLimit &&
		c.UsedThisMonth < c.MonthlyLimit
}

// Device is the device class the provider emulates.
type Device string

// Supported devices.
const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
)

// SearchOptions are the per-call parameters of a ranking lookup.
type SearchOptions struct {
	Domain     string `json:"domain"`
	Country    string `json:"country"`
	Language   string `json:"language,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Device     Device `json:"device,omitempty"`
	// UserCredential bypasses the pool when set.
	UserCredential string `json:"-"`
}

// WithDefaults fills the language and device defaults.
func (o SearchOptions) WithDefaults() SearchOptions {
	if o.Language == "" {
		o.Language = "en"
	}
	if o.Device == "" {
		o.Device = DeviceDesktop
	}
	return o
}

// OrganicResult is one organic entry returned by the provider.
type OrganicResult struct {
	Position int    `json:"position,omitempty"`
	Link     string `json:"link"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
}

// SearchMetadata is optional provider bookkeeping attached to a result.
type SearchMetadata struct {
	SearchID       string  `json:"search_id,omitempty"`
	TotalTimeTaken float64 `json:"total_time_taken,omitempty"`
	LocationUsed   string  `json:"location_used,omitempty"`
	Device         string  `json:"device,omitempty"`
}

// SearchPage is the parsed provider response for one query.
type SearchPage struct {
	Organic      []OrganicResult
	TotalResults int64
	Metadata     *SearchMetadata
}

// SearchResult is the canonical outcome of tracking one keyword.
type SearchResult struct {
	ID                  string          `json:"id"`
	Keyword             string          `json:"keyword"`
	Domain              string          `json:"domain"`
	Position            *int            `json:"position"`
	URL                 string          `json:"url"`
	Title               string          `json:"title"`
	Description         string          `json:"description"`
	Country             string          `json:"country"`
	Language            string          `json:"language"`
	Device              Device          `json:"device"`
	City                string          `json:"city,omitempty"`
	State               string          `json:"state,omitempty"`
	PostalCode          string          `json:"postal_code,omitempty"`
	TotalResults        int64           `json:"total_results"`
	SearchedResultCount int             `json:"searched_result_count"`
	Timestamp           time.Time       `json:"timestamp"`
	Found               bool            `json:"found"`
	ProcessingTimeMs    int64           `json:"processing_time_ms"`
	CredentialIDUsed    string          `json:"credential_id_used"`
	Metadata            *SearchMetadata `json:"metadata,omitempty"`
}

// ResultFilter narrows a result listing.
type ResultFilter struct {
	Keyword string
	Domain  string
	Limit   int
}

// PoolStats is an aggregate, read-only snapshot of the pool.
type PoolStats struct {
	Total               int            `json:"total"`
	Active              int            `json:"active"`
	Exhausted           int            `json:"exhausted"`
	Paused              int            `json:"paused"`
	Errored             int            `json:"errored"`
	UsedToday           int            `json:"used_today"`
	DailyCapacity       int            `json:"daily_capacity"`
	UsedThisMonth       int            `json:"used_this_month"`
	MonthlyCapacity     int            `json:"monthly_capacity"`
	DailyUsagePercent   float64        `json:"daily_usage_percent"`
	MonthlyUsagePercent float64        `json:"monthly_usage_percent"`
	Above75Percent      int            `json:"above_75_percent"`
	Above90Percent      int            `json:"above_90_percent"`
	ExhaustionETA       *time.Duration `json:"exhaustion_eta,omitempty"`
	Strategy            string         `json:"strategy"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// CredentialDetail is the per-credential view exposed to operators.
type CredentialDetail struct {
	ID                  string           `json:"id"`
	MaskedSecret        string           `json:"masked_secret"`
	Fingerprint         string           `json:"fingerprint"`
	Source              CredentialSource `json:"source"`
	Status              CredentialStatus `json:"status"`
	Priority            int              `json:"priority"`
	UsedToday           int              `json:"used_today"`
	DailyLimit          int              `json:"daily_limit"`
	UsedThisMonth       int              `json:"used_this_month"`
	MonthlyLimit        int              `json:"monthly_limit"`
	DailyUsagePercent   float64          `json:"daily_usage_percent"`
	MonthlyUsagePercent float64          `json:"monthly_usage_percent"`
	SuccessRate         float64          `json:"success_rate"`
	ErrorCount          int              `json:"error_count"`
	LastUsed            *time.Time       `json:"last_used,omitempty"`
	PausedUntil         *time.Time       `json:"paused_until,omitempty"`
	ExhaustionETA       *time.Duration   `json:"exhaustion_eta,omitempty"`
}

// CredentialUpdate is a partial update; nil fields are left untouched.
type CredentialUpdate struct {
	DailyLimit   *int              `json:"daily_limit,omitempty"`
	MonthlyLimit *int              `json:"monthly_limit,omitempty"`
	Priority     *int              `json:"priority,omitempty"`
	Status       *CredentialStatus `json:"status,omitempty"`
}

// CredentialTestResult reports the outcome of a connectivity test.
type CredentialTestResult struct {
	Valid          bool      `json:"valid"`
	Kind           ErrorKind `json:"kind,omitempty"`
	Message        string    `json:"message"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	TotalResults   int64     `json:"total_results,omitempty"`
}

// Progress is reported by the bulk dispatcher after each batch and retry.
type Progress struct {
	Total        int       `json:"total"`
	Processed    int       `json:"processed"`
	Successful   int       `json:"successful"`
	Failed       int       `json:"failed"`
	CurrentBatch int       `json:"current_batch"`
	TotalBatches int       `json:"total_batches"`
	PoolStats    PoolStats `json:"pool_stats"`
	RetryAttempt int       `json:"retry_attempt"`
}

// BulkResult is the outcome of a bulk job. It is not persisted.
type BulkResult struct {
	TotalProcessed   int            `json:"total_processed"`
	Successful       []SearchResult `json:"successful"`
	Failed           []string       `json:"failed"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	PoolStats        PoolStats      `json:"pool_stats"`
}
