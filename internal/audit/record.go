package audit

import (
	"time"

	"github.com/xela07ax/shared-counter/internal/domain"
)

// Outcome of a counter operation as seen by the trail.
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
	StatusFailed   = "FAILED"
)

// OperationRecord is one row of the operation trail.
type OperationRecord struct {
	ID          string                 `json:"id"`
	TraceID     string                 `json:"trace_id"`
	Fingerprint string                 `json:"fingerprint"`
	Operation   domain.Operation       `json:"operation"`
	Status      string                 `json:"status"`
	NewValue    *int64                 `json:"new_value,omitempty"` // committed value, accepted only
	Version     int64                  `json:"version,omitempty"`   // committed version, accepted only
	Violations  []domain.ViolationType `json:"violations,omitempty"`
	Severity    domain.Severity        `json:"severity,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	DurationMs  int64                  `json:"duration_ms"`
}
