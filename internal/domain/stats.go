package domain

type SecurityStats struct {
	RecentViolations  int64             `json:"recentViolations"`
	ActiveBlocks      int64             `json:"activeBlocks"`
	SeverityBreakdown SeverityBreakdown `json:"severityBreakdown"`
}

type SeverityBreakdown struct {
	Critical int64 `json:"critical"`
	High     int64 `json:"high"`
	Medium   int64 `json:"medium"`
	Low      int64 `json:"low"`
}

// Add counts n events of the given severity.
func (b *SeverityBreakdown) Add(s Severity, n int64) {
	switch s {
	case SeverityCritical:
		b.Critical += n
	case SeverityHigh:
		b.High += n
	case SeverityMedium:
		b.Medium += n
	case SeverityLow:
		b.Low += n
	}
}

func (b SeverityBreakdown) Total() int64 {
	return b.Critical + b.High + b.Medium + b.Low
}
