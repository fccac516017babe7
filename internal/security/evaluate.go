package security

import (
	"math"
	"time"

	"github.com/xela07ax/shared-counter/internal/domain"
)

// Input is everything a single gate evaluation looks at.
type Input struct {
	State           domain.ClientSecurityState
	Recent          []domain.SecurityEvent
	Now             time.Time
	ClientTimestamp time.Time
}

type Decision struct {
	Accepted   bool
	Violations []domain.Violation
	State      domain.ClientSecurityState
	Status     domain.ClientStatus
	RetryAfter time.Duration
	Now        time.Time

	// NewlyBlocked is set when this evaluation started a block.
	NewlyBlocked bool
}

// Warnings returns the violations that were recorded but did not reject.
func (d Decision) Warnings() []domain.Violation {
	var out []domain.Violation
	for _, v := range d.Violations {
		if !v.Severity.Rejects() {
			out = append(out, v)
		}
	}
	return out
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func hourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func initState(fp string, now time.Time) domain.ClientSecurityState {
	return domain.ClientSecurityState{
		Fingerprint:  fp,
		FirstSeen:    now,
		WindowStart:  now,
		DayStart:     dayStart(now),
		HourStart:    hourStart(now),
		SessionStart: now,
	}
}

// rollWindows resets every counter whose window boundary was crossed. Counts are
// derived from timestamps, never assumed to match the stored snapshot.
func rollWindows(s *domain.ClientSecurityState, now time.Time, p Policy) {
	if d := dayStart(now); !d.Equal(s.DayStart) {
		s.DailyOperationCount = 0
		s.DayStart = d
	}
	if h := hourStart(now); !h.Equal(s.HourStart) {
		s.HourlyOperationCount = 0
		s.HourStart = h
	}
	if !s.LastOperation.IsZero() && now.Sub(s.LastOperation) > p.SessionTimeout {
		s.SessionOperationCount = 0
		s.SessionStart = now
	}
	if now.Sub(s.WindowStart) >= p.RollingWindow {
		s.OperationCount = 0
		s.WindowStart = now
	}
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

// absDuration saturates: Sub already clamps to MinInt64, whose negation overflows.
func absDuration(d time.Duration) time.Duration {
	if d >= 0 {
		return d
	}
	if d == math.MinInt64 {
		return math.MaxInt64
	}
	return -d
}

// Evaluate runs all checks independently and derives the next state. It is pure:
// persistence and event recording are done by the Gate.
func Evaluate(in Input, p Policy) Decision {
	now := in.Now
	s := in.State
	isNew := s.FirstSeen.IsZero()
	if isNew {
		s = initState(s.Fingerprint, now)
	}

	// no background timer: an expired block is lifted by the next request
	if s.IsBlocked && !now.Before(s.BlockExpiresAt) {
		s.IsBlocked = false
		s.BlockExpiresAt = time.Time{}
	}
	if p.ViolationDecay > 0 && s.ViolationCount > 0 && now.Sub(s.LastViolationAt) >= p.ViolationDecay {
		s.ViolationCount = 0
	}
	rollWindows(&s, now, p)

	var (
		violations   []domain.Violation
		retryAfter   time.Duration
		newlyBlocked bool
	)
	add := func(t domain.ViolationType, sev domain.Severity, ctx map[string]any) {
		violations = append(violations, domain.Violation{Type: t, Severity: sev, Timestamp: now, Context: ctx})
	}
	wait := func(d time.Duration) {
		if d > retryAfter {
			retryAfter = d
		}
	}

	// 1. client clock plausibility
	tol := p.TimestampTolerance
	if in.ClientTimestamp.Before(now.Add(-tol)) || in.ClientTimestamp.After(now.Add(tol)) {
		add(domain.ViolationInvalidTimestamp, domain.SeverityMedium, map[string]any{
			"driftMs":     ms(absDuration(now.Sub(in.ClientTimestamp))),
			"toleranceMs": ms(p.TimestampTolerance),
		})
	}

	// 2-3. spacing against the previous request
	if !s.LastOperation.IsZero() {
		gap := now.Sub(s.LastOperation)
		if gap < p.RapidFireFloor {
			add(domain.ViolationRapidFire, domain.SeverityCritical, map[string]any{
				"gapMs":   ms(gap),
				"floorMs": ms(p.RapidFireFloor),
			})
			wait(p.RapidFireFloor - gap)
		}
		required := p.RequiredInterval(s.DailyOperationCount)
		if gap < required {
			add(domain.ViolationProgressiveRateLimit, domain.SeverityHigh, map[string]any{
				"gapMs":        ms(gap),
				"requiredMs":   ms(required),
				"dailyOpCount": s.DailyOperationCount,
			})
			wait(required - gap)
		}
	}

	// 4. absolute caps
	if s.DailyOperationCount >= p.DailyCap {
		add(domain.ViolationUsageCapExceeded, domain.SeverityCritical, map[string]any{
			"window": "daily", "count": s.DailyOperationCount, "limit": p.DailyCap,
		})
		wait(s.DayStart.Add(24 * time.Hour).Sub(now))
	}
	if s.HourlyOperationCount >= p.HourlyCap {
		add(domain.ViolationUsageCapExceeded, domain.SeverityCritical, map[string]any{
			"window": "hourly", "count": s.HourlyOperationCount, "limit": p.HourlyCap,
		})
		wait(s.HourStart.Add(time.Hour).Sub(now))
	}
	if s.SessionOperationCount >= p.SessionCap {
		add(domain.ViolationUsageCapExceeded, domain.SeverityCritical, map[string]any{
			"window": "session", "count": s.SessionOperationCount, "limit": p.SessionCap,
		})
		wait(p.SessionTimeout)
	}

	// 5. timing variance of recent violations, current request included
	samples := make([]time.Time, 0, len(in.Recent)+1)
	cutoff := now.Add(-p.PatternWindow)
	for _, e := range in.Recent {
		if !e.Timestamp.Before(cutoff) {
			samples = append(samples, e.Timestamp)
		}
	}
	// the current request is one of the PatternMaxEvents samples
	if keep := p.PatternMaxEvents - 1; len(samples) > keep {
		samples = samples[len(samples)-keep:]
	}
	samples = append(samples, now)
	if stats, automated := DetectAutomation(samples, p); automated {
		add(domain.ViolationAutomatedBehavior, domain.SeverityHigh, map[string]any{
			"samples":  stats.Samples,
			"meanMs":   ms(stats.Mean),
			"stddevMs": ms(stats.StdDev),
		})
		wait(p.PatternWindow)
	}

	// 6. active block
	blockedNow := s.BlockedAt(now)
	if blockedNow {
		add(domain.ViolationBlocked, domain.SeverityCritical, map[string]any{
			"expiresAt": s.BlockExpiresAt.UnixMilli(),
		})
	}

	accepted := !blockedNow && !domain.MaxSeverity(violations).Rejects()

	// probing is counted too, accepted or not
	s.LastOperation = now
	s.OperationCount++
	s.DailyOperationCount++
	s.HourlyOperationCount++
	s.SessionOperationCount++

	if len(violations) > 0 {
		s.ViolationCount++
		s.LastViolationAt = now
		for _, v := range violations {
			s.SuspicionScore += int64(v.Severity)
		}
		backoff := s.BackoffMs * 2
		if base := ms(p.BackoffBase); backoff < base {
			backoff = base
		}
		if ceiling := ms(p.BackoffMax); backoff > ceiling {
			backoff = ceiling
		}
		s.BackoffMs = backoff
		if !blockedNow && s.ViolationCount >= p.ViolationThreshold {
			s.IsBlocked = true
			s.BlockExpiresAt = now.Add(p.BlockDuration)
			newlyBlocked = true
		}
	} else {
		s.BackoffMs /= 2
		if s.SuspicionScore > 0 {
			s.SuspicionScore--
		}
	}

	if !accepted {
		if s.BlockedAt(now) {
			wait(s.BlockExpiresAt.Sub(now))
		} else {
			wait(time.Duration(s.BackoffMs) * time.Millisecond)
		}
	}

	status := domain.ClientActive
	switch {
	case s.BlockedAt(now):
		status = domain.ClientBlocked
	case !accepted || len(violations) > 0:
		status = domain.ClientThrottled
	case isNew:
		status = domain.ClientNew
	}

	d := Decision{
		Accepted:     accepted,
		Violations:   violations,
		State:        s,
		Status:       status,
		Now:          now,
		NewlyBlocked: newlyBlocked,
	}
	if !accepted {
		d.RetryAfter = retryAfter
	}
	return d
}
