package analytics

import (
	"gorm.io/datatypes"
)

// Verification outcomes. The rollup tables store these verbatim, so the
// filter whitelist and the timeseries metric map both key off them.
const (
	OutcomeValid         = "VALID"
	OutcomeRateLimited   = "RATE_LIMITED"
	OutcomeExpired       = "EXPIRED"
	OutcomeDisabled      = "DISABLED"
	OutcomeForbidden     = "FORBIDDEN"
	OutcomeUsageExceeded = "USAGE_EXCEEDED"
)

// Table names for the raw event streams and their pre-aggregated rollups.
// The interval catalog and the storage models both reference these, so a
// rename only happens in one place.
const (
	TableVerificationsRaw       = "key_verifications_raw"
	TableVerificationsPerMinute = "key_verifications_per_minute"
	TableVerificationsPerHour   = "key_verifications_per_hour"
	TableVerificationsPerDay    = "key_verifications_per_day"
	TableVerificationsPerMonth  = "key_verifications_per_month"

	TableRatelimitsRaw       = "ratelimits_raw"
	TableRatelimitsPerMinute = "ratelimits_per_minute"
	TableRatelimitsPerHour   = "ratelimits_per_hour"
	TableRatelimitsPerDay    = "ratelimits_per_day"
	TableRatelimitsPerMonth  = "ratelimits_per_month"

	TableAPIRequestsRaw       = "api_requests_raw"
	TableAPIRequestsPerMinute = "api_requests_per_minute"
	TableAPIRequestsPerHour   = "api_requests_per_hour"
	TableAPIRequestsPerDay    = "api_requests_per_day"
)

// VerificationEvent is one key verification as produced by the gateway.
// Events are append-only: written once, never mutated, never deleted
// outside of retention.
type VerificationEvent struct {
	RequestID   string `gorm:"primaryKey;size:64" json:"request_id"`
	Time        int64  `gorm:"index;not null" json:"time"` // ms epoch
	WorkspaceID string `gorm:"index;size:64;not null" json:"workspace_id"`
	KeySpaceID  string `gorm:"size:64" json:"key_space_id"`
	KeyID       string `gorm:"index;size:64" json:"key_id"`
	Outcome     string `gorm:"size:32" json:"outcome"`
	IdentityID  string `gorm:"size:64" json:"identity_id,omitempty"`

	// Tags holds arbitrary key/value pairs attached by the caller, so
	// producers can annotate verifications without schema changes.
	Tags datatypes.JSONMap `gorm:"type:json" json:"tags,omitempty"`
}

func (VerificationEvent) TableName() string { return TableVerificationsRaw }

// Validate implements the execution contract's row/param schema check.
func (e VerificationEvent) Validate() error {
	if e.RequestID == "" {
		return &ValidationError{Field: "request_id", Reason: "must not be empty"}
	}
	if e.Time <= 0 {
		return &ValidationError{Field: "time", Reason: "must be a positive ms epoch"}
	}
	if e.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "must not be empty"}
	}
	switch e.Outcome {
	case OutcomeValid, OutcomeRateLimited, OutcomeExpired, OutcomeDisabled, OutcomeForbidden, OutcomeUsageExceeded:
		return nil
	default:
		return &ValidationError{Field: "outcome", Reason: "unknown outcome " + e.Outcome}
	}
}

// RatelimitEvent is one ratelimit decision.
type RatelimitEvent struct {
	RequestID   string `gorm:"primaryKey;size:64" json:"request_id"`
	Time        int64  `gorm:"index;not null" json:"time"` // ms epoch
	WorkspaceID string `gorm:"index;size:64;not null" json:"workspace_id"`
	NamespaceID string `gorm:"index;size:64" json:"namespace_id"`
	Identifier  string `gorm:"size:255" json:"identifier"`
	Passed      bool   `json:"passed"`
	LatencyMs   int64  `json:"latency_ms"`
}

func (RatelimitEvent) TableName() string { return TableRatelimitsRaw }

func (e RatelimitEvent) Validate() error {
	if e.RequestID == "" {
		return &ValidationError{Field: "request_id", Reason: "must not be empty"}
	}
	if e.Time <= 0 {
		return &ValidationError{Field: "time", Reason: "must be a positive ms epoch"}
	}
	if e.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "must not be empty"}
	}
	if e.NamespaceID == "" {
		return &ValidationError{Field: "namespace_id", Reason: "must not be empty"}
	}
	return nil
}

// APIRequestEvent is one request against the public API surface.
type APIRequestEvent struct {
	RequestID        string `gorm:"primaryKey;size:64" json:"request_id"`
	Time             int64  `gorm:"index;not null" json:"time"` // ms epoch
	WorkspaceID      string `gorm:"index;size:64;not null" json:"workspace_id"`
	Host             string `gorm:"size:255" json:"host"`
	Method           string `gorm:"size:16" json:"method"`
	Path             string `gorm:"size:512" json:"path"`
	ResponseStatus   int    `json:"response_status"`
	ServiceLatencyMs int64  `json:"service_latency_ms"`
	UserAgent        string `gorm:"size:512" json:"user_agent,omitempty"`
	IPAddress        string `gorm:"size:64" json:"ip_address,omitempty"`
}

func (APIRequestEvent) TableName() string { return TableAPIRequestsRaw }

func (e APIRequestEvent) Validate() error {
	if e.RequestID == "" {
		return &ValidationError{Field: "request_id", Reason: "must not be empty"}
	}
	if e.Time <= 0 {
		return &ValidationError{Field: "time", Reason: "must be a positive ms epoch"}
	}
	if e.WorkspaceID == "" {
		return &ValidationError{Field: "workspace_id", Reason: "must not be empty"}
	}
	if e.ResponseStatus < 100 || e.ResponseStatus > 599 {
		return &ValidationError{Field: "response_status", Reason: "must be a valid HTTP status"}
	}
	return nil
}
