package security

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/shared-counter/internal/domain"
)

var t0 = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// seasoned is a client that has already been active today.
func seasoned(daily int64, last time.Time) domain.ClientSecurityState {
	s := initState("fp-test-0001", t0.Add(-time.Minute))
	s.Version = 7
	s.LastOperation = last
	s.DailyOperationCount = daily
	s.DayStart = dayStart(t0)
	s.HourStart = hourStart(t0)
	return s
}

func eval(s domain.ClientSecurityState, now time.Time, recent ...domain.SecurityEvent) Decision {
	return Evaluate(Input{State: s, Recent: recent, Now: now, ClientTimestamp: now}, DefaultPolicy())
}

func types(vs []domain.Violation) []domain.ViolationType {
	out := make([]domain.ViolationType, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Type)
	}
	return out
}

func TestEvaluate_FirstRequestIsClean(t *testing.T) {
	d := eval(domain.ClientSecurityState{Fingerprint: "fp-test-0001"}, t0)

	assert.True(t, d.Accepted)
	assert.Empty(t, d.Violations)
	assert.Equal(t, domain.ClientNew, d.Status)
	assert.Equal(t, t0, d.State.FirstSeen)
	assert.Equal(t, t0, d.State.LastOperation)
	assert.Equal(t, int64(1), d.State.DailyOperationCount)
	assert.Equal(t, int64(1), d.State.HourlyOperationCount)
	assert.Equal(t, int64(1), d.State.SessionOperationCount)
	assert.Equal(t, int64(1), d.State.OperationCount)
}

func TestEvaluate_TimestampDrift(t *testing.T) {
	tests := []struct {
		name  string
		drift time.Duration
		want  bool
	}{
		{"in sync", 0, false},
		{"at tolerance", 5000 * time.Millisecond, false},
		{"client behind", 5001 * time.Millisecond, true},
		{"client ahead", -6 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seasoned(3, t0.Add(-time.Second))
			d := Evaluate(Input{State: s, Now: t0, ClientTimestamp: t0.Add(-tt.drift)}, DefaultPolicy())

			if !tt.want {
				assert.Empty(t, d.Violations)
				return
			}
			require.Len(t, d.Violations, 1)
			assert.Equal(t, domain.ViolationInvalidTimestamp, d.Violations[0].Type)
			assert.Equal(t, domain.SeverityMedium, d.Violations[0].Severity)
			// medium alone never rejects
			assert.True(t, d.Accepted)
			assert.Len(t, d.Warnings(), 1)
			assert.Equal(t, int64(1), d.State.ViolationCount)
		})
	}

	// client clocks far outside the Duration range must still be flagged
	extremes := []struct {
		name string
		ms   int64
	}{
		{"max int64", math.MaxInt64},
		{"half max int64", math.MaxInt64 / 2},
		{"year 318857", 1e16},
		{"min int64", math.MinInt64},
		{"far past", -1e16},
	}
	for _, tt := range extremes {
		t.Run(tt.name, func(t *testing.T) {
			s := seasoned(3, t0.Add(-time.Second))
			d := Evaluate(Input{State: s, Now: t0, ClientTimestamp: time.UnixMilli(tt.ms)}, DefaultPolicy())

			require.Contains(t, types(d.Violations), domain.ViolationInvalidTimestamp)
			drift, ok := d.Violations[0].Context["driftMs"].(int64)
			require.True(t, ok)
			assert.Greater(t, drift, int64(5000))
		})
	}
}

func TestEvaluate_RapidFireIsCritical(t *testing.T) {
	d := eval(seasoned(3, t0.Add(-10*time.Millisecond)), t0)

	assert.False(t, d.Accepted)
	assert.Contains(t, types(d.Violations), domain.ViolationRapidFire)
	assert.Equal(t, domain.SeverityCritical, domain.MaxSeverity(d.Violations))
	assert.Equal(t, domain.ClientThrottled, d.Status)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestEvaluate_ProgressiveInterval(t *testing.T) {
	tests := []struct {
		daily int64
		gap   time.Duration
		want  bool
	}{
		{0, 99 * time.Millisecond, true},
		{0, 100 * time.Millisecond, false},
		{9, 99 * time.Millisecond, true},
		{10, 149 * time.Millisecond, true},
		{10, 150 * time.Millisecond, false},
		{49, 150 * time.Millisecond, false},
		{50, 299 * time.Millisecond, true},
		{50, 300 * time.Millisecond, false},
		{100, 999 * time.Millisecond, true},
		{100, time.Second, false},
		{200, 4999 * time.Millisecond, true},
		{200, 5 * time.Second, false},
		{450, 5 * time.Second, false},
	}
	for _, tt := range tests {
		d := eval(seasoned(tt.daily, t0.Add(-tt.gap)), t0)
		got := false
		for _, v := range d.Violations {
			if v.Type == domain.ViolationProgressiveRateLimit {
				got = true
				assert.Equal(t, domain.SeverityHigh, v.Severity)
			}
		}
		assert.Equal(t, tt.want, got, "daily=%d gap=%s", tt.daily, tt.gap)
		assert.Equal(t, !tt.want, d.Accepted, "daily=%d gap=%s", tt.daily, tt.gap)
	}
}

func TestEvaluate_UsageCaps(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.ClientSecurityState)
		window string
	}{
		{"daily", func(s *domain.ClientSecurityState) { s.DailyOperationCount = 500 }, "daily"},
		{"hourly", func(s *domain.ClientSecurityState) { s.HourlyOperationCount = 100 }, "hourly"},
		{"session", func(s *domain.ClientSecurityState) { s.SessionOperationCount = 200 }, "session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seasoned(0, t0.Add(-10*time.Second))
			tt.mutate(&s)
			d := eval(s, t0)

			require.False(t, d.Accepted)
			var found bool
			for _, v := range d.Violations {
				if v.Type == domain.ViolationUsageCapExceeded && v.Context["window"] == tt.window {
					found = true
					assert.Equal(t, domain.SeverityCritical, v.Severity)
				}
			}
			assert.True(t, found)
			assert.Greater(t, d.RetryAfter, time.Duration(0))
		})
	}
}

func TestEvaluate_WindowsRollOver(t *testing.T) {
	s := seasoned(500, t0.Add(-2*time.Hour))
	s.DayStart = dayStart(t0.Add(-24 * time.Hour))
	s.HourlyOperationCount = 100
	s.HourStart = hourStart(t0.Add(-2 * time.Hour))
	s.SessionOperationCount = 200

	d := eval(s, t0)

	assert.True(t, d.Accepted, "violations: %v", types(d.Violations))
	assert.Equal(t, int64(1), d.State.DailyOperationCount)
	assert.Equal(t, int64(1), d.State.HourlyOperationCount)
	assert.Equal(t, int64(1), d.State.SessionOperationCount)
	assert.Equal(t, t0, d.State.SessionStart)
}

func TestEvaluate_RejectedRequestsStillCount(t *testing.T) {
	s := seasoned(5, t0.Add(-5*time.Millisecond))
	d := eval(s, t0)

	require.False(t, d.Accepted)
	assert.Equal(t, t0, d.State.LastOperation)
	assert.Equal(t, int64(6), d.State.DailyOperationCount)
	assert.Equal(t, int64(1), d.State.ViolationCount, "one evaluation, one increment")
}

func TestEvaluate_BlockAfterThreeViolatingEvaluations(t *testing.T) {
	p := DefaultPolicy()
	s := domain.ClientSecurityState{Fingerprint: "fp-test-0001"}
	now := t0

	// medium-only violations: accepted, but each one counts
	for i := 0; i < 3; i++ {
		d := Evaluate(Input{State: s, Now: now, ClientTimestamp: now.Add(-time.Minute)}, p)
		require.True(t, d.Accepted)
		s = d.State
		now = now.Add(2 * time.Second)
		if i == 2 {
			assert.True(t, d.NewlyBlocked)
			assert.Equal(t, domain.ClientBlocked, d.Status)
		}
	}
	require.True(t, s.IsBlocked)
	assert.Equal(t, t0.Add(4*time.Second).Add(5*time.Minute), s.BlockExpiresAt)

	// well-timed and well-formed, still blocked for the whole window
	for now.Before(s.BlockExpiresAt) {
		d := eval(s, now)
		require.False(t, d.Accepted)
		assert.Contains(t, types(d.Violations), domain.ViolationBlocked)
		assert.Equal(t, domain.ClientBlocked, d.Status)
		assert.Equal(t, s.BlockExpiresAt.Sub(now), d.RetryAfter)
		s = d.State
		now = now.Add(30 * time.Second)
	}

	// lifted lazily by the first request after expiry
	now = s.BlockExpiresAt
	d := eval(s, now)
	assert.True(t, d.Accepted)
	assert.False(t, d.State.IsBlocked)
	assert.True(t, d.State.BlockExpiresAt.IsZero())
}

func TestEvaluate_BackoffRelaxesOnCleanAccept(t *testing.T) {
	s := seasoned(3, t0.Add(-10*time.Millisecond))
	d := eval(s, t0)
	require.False(t, d.Accepted)
	assert.Equal(t, int64(1000), d.State.BackoffMs)

	d = eval(d.State, t0.Add(time.Second))
	require.True(t, d.Accepted)
	assert.Equal(t, int64(500), d.State.BackoffMs)
	assert.Equal(t, int64(1), d.State.ViolationCount, "violation count does not decay by default")
}

func TestEvaluate_ViolationDecayPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.ViolationDecay = 10 * time.Minute

	s := seasoned(3, t0.Add(-11*time.Minute))
	s.ViolationCount = 2
	s.LastViolationAt = t0.Add(-11 * time.Minute)

	d := Evaluate(Input{State: s, Now: t0, ClientTimestamp: t0.Add(-time.Minute)}, p)
	assert.Equal(t, int64(1), d.State.ViolationCount)
	assert.False(t, d.State.IsBlocked)

	// without decay the same request is the third strike
	d = Evaluate(Input{State: s, Now: t0, ClientTimestamp: t0.Add(-time.Minute)}, DefaultPolicy())
	assert.Equal(t, int64(3), d.State.ViolationCount)
	assert.True(t, d.State.IsBlocked)
}

func TestEvaluate_AutomatedPattern(t *testing.T) {
	var recent []domain.SecurityEvent
	for i := 4; i >= 1; i-- {
		recent = append(recent, domain.SecurityEvent{Timestamp: t0.Add(-time.Duration(i) * 50 * time.Millisecond)})
	}
	s := seasoned(5, t0.Add(-time.Second))
	d := eval(s, t0, recent...)

	assert.False(t, d.Accepted)
	assert.Contains(t, types(d.Violations), domain.ViolationAutomatedBehavior)

	// the same events outside the pattern window are ignored
	d = eval(s, t0.Add(time.Minute), recent...)
	assert.NotContains(t, types(d.Violations), domain.ViolationAutomatedBehavior)
}

func TestEvaluate_PatternUsesAtMostMaxEvents(t *testing.T) {
	var recent []domain.SecurityEvent
	for i := 15; i >= 1; i-- {
		recent = append(recent, domain.SecurityEvent{Timestamp: t0.Add(-time.Duration(i) * 50 * time.Millisecond)})
	}
	d := eval(seasoned(5, t0.Add(-time.Second)), t0, recent...)

	var ctx map[string]any
	for _, v := range d.Violations {
		if v.Type == domain.ViolationAutomatedBehavior {
			ctx = v.Context
		}
	}
	require.NotNil(t, ctx)
	assert.Equal(t, DefaultPolicy().PatternMaxEvents, ctx["samples"])
}
