package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Severity int

const (
	SeverityLow      Severity = 1
	SeverityMedium   Severity = 2
	SeverityHigh     Severity = 3
	SeverityCritical Severity = 4
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Rejects reports whether a violation of this severity blocks the operation.
func (s Severity) Rejects() bool {
	return s >= SeverityHigh
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		// numeric form is how the severity is stored
		var n int
		if errN := json.Unmarshal(b, &n); errN != nil {
			return err
		}
		*s = Severity(n)
		return nil
	}
	switch raw {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", raw)
	}
	return nil
}

type ViolationType string

const (
	ViolationInvalidTimestamp     ViolationType = "InvalidTimestamp"
	ViolationRapidFire            ViolationType = "RapidFire"
	ViolationProgressiveRateLimit ViolationType = "ProgressiveRateLimit"
	ViolationUsageCapExceeded     ViolationType = "UsageCapExceeded"
	ViolationAutomatedBehavior    ViolationType = "AutomatedBehavior"
	ViolationBlocked              ViolationType = "Blocked"
)

// Err maps the violation type onto the public error taxonomy.
func (t ViolationType) Err() error {
	switch t {
	case ViolationInvalidTimestamp:
		return ErrInvalidTimestamp
	case ViolationRapidFire, ViolationProgressiveRateLimit:
		return ErrRateLimited
	case ViolationUsageCapExceeded:
		return ErrUsageCapExceeded
	case ViolationAutomatedBehavior:
		return ErrAutomatedBehavior
	case ViolationBlocked:
		return ErrBlocked
	}
	return fmt.Errorf("unknown violation type %q", string(t))
}

type Violation struct {
	Type      ViolationType  `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// MaxSeverity returns 0 for an empty list.
func MaxSeverity(vs []Violation) Severity {
	var max Severity
	for _, v := range vs {
		if v.Severity > max {
			max = v.Severity
		}
	}
	return max
}

type SecurityEvent struct {
	ID          string      `json:"id"`
	Fingerprint string      `json:"fingerprint"`
	Operation   Operation   `json:"operation"`
	Violations  []Violation `json:"violations"`
	Timestamp   time.Time   `json:"timestamp"`
	Severity    Severity    `json:"severity"`
}

// ClientStatus is the derived position of a fingerprint in the gate state machine.
type ClientStatus string

const (
	ClientNew       ClientStatus = "new"
	ClientActive    ClientStatus = "active"
	ClientThrottled ClientStatus = "throttled"
	ClientBlocked   ClientStatus = "blocked"
)

// ClientSecurityState is keyed by fingerprint. Version is the CAS token:
// 0 means the row was never persisted.
type ClientSecurityState struct {
	Fingerprint string `json:"fingerprint"`
	Version     int64  `json:"version"`

	LastOperation time.Time `json:"lastOperation"`

	OperationCount int64     `json:"operationCount"`
	WindowStart    time.Time `json:"windowStart"`

	DailyOperationCount int64     `json:"dailyOperationCount"`
	DayStart            time.Time `json:"dayStart"`

	HourlyOperationCount int64     `json:"hourlyOperationCount"`
	HourStart            time.Time `json:"hourStart"`

	SessionOperationCount int64     `json:"sessionOperationCount"`
	SessionStart          time.Time `json:"sessionStart"`

	ViolationCount  int64     `json:"violationCount"`
	LastViolationAt time.Time `json:"lastViolationAt"`
	BackoffMs       int64     `json:"backoffMs"`
	IsBlocked       bool      `json:"isBlocked"`
	BlockExpiresAt  time.Time `json:"blockExpiresAt"`
	SuspicionScore  int64     `json:"suspicionScore"`
	FirstSeen       time.Time `json:"firstSeen"`
}

// BlockedAt reports whether the fingerprint is inside an active block window.
func (s *ClientSecurityState) BlockedAt(now time.Time) bool {
	return s.IsBlocked && now.Before(s.BlockExpiresAt)
}

type BlockAction string

const (
	ActionBlock   BlockAction = "block"
	ActionUnblock BlockAction = "unblock"
)

type BlockResult struct {
	Fingerprint string `json:"fingerprint"`
	Blocked     bool   `json:"blocked"`
	ExpiresAt   *int64 `json:"expiresAt,omitempty"` // unix ms
}
