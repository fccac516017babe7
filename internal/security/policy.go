package security

import "time"

// Tier: below Below daily operations the minimum gap is Interval.
type Tier struct {
	Below    int64         `mapstructure:"below"`
	Interval time.Duration `mapstructure:"interval"`
}

// Policy collects every threshold of the gate. Zero values are replaced by the defaults.
type Policy struct {
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
	RapidFireFloor     time.Duration `mapstructure:"rapid_fire_floor"`

	ProgressiveTiers   []Tier        `mapstructure:"progressive_tiers"`
	ProgressiveCeiling time.Duration `mapstructure:"progressive_ceiling"`

	DailyCap   int64 `mapstructure:"daily_cap"`
	HourlyCap  int64 `mapstructure:"hourly_cap"`
	SessionCap int64 `mapstructure:"session_cap"`

	RollingWindow  time.Duration `mapstructure:"rolling_window"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`

	PatternWindow     time.Duration `mapstructure:"pattern_window"`
	PatternMaxEvents  int           `mapstructure:"pattern_max_events"`
	PatternMinSamples int           `mapstructure:"pattern_min_samples"`
	PatternMaxStdDev  time.Duration `mapstructure:"pattern_max_stddev"`
	PatternMaxMean    time.Duration `mapstructure:"pattern_max_mean"`

	ViolationThreshold int64         `mapstructure:"violation_threshold"`
	BlockDuration      time.Duration `mapstructure:"block_duration"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`

	// ViolationDecay forgets the violation count after this long without a new
	// violation. Zero keeps the count forever.
	ViolationDecay time.Duration `mapstructure:"violation_decay"`

	EventRetention time.Duration `mapstructure:"event_retention"`
}

func DefaultPolicy() Policy {
	return Policy{
		TimestampTolerance: 5000 * time.Millisecond,
		RapidFireFloor:     25 * time.Millisecond,
		ProgressiveTiers: []Tier{
			{Below: 10, Interval: 100 * time.Millisecond},
			{Below: 50, Interval: 150 * time.Millisecond},
			{Below: 100, Interval: 300 * time.Millisecond},
			{Below: 200, Interval: 1000 * time.Millisecond},
		},
		ProgressiveCeiling: 5000 * time.Millisecond,
		DailyCap:           500,
		HourlyCap:          100,
		SessionCap:         200,
		RollingWindow:      time.Minute,
		SessionTimeout:     time.Hour,
		PatternWindow:      30 * time.Second,
		PatternMaxEvents:   10,
		PatternMinSamples:  5,
		PatternMaxStdDev:   100 * time.Millisecond,
		PatternMaxMean:     200 * time.Millisecond,
		ViolationThreshold: 3,
		BlockDuration:      300000 * time.Millisecond,
		BackoffBase:        time.Second,
		BackoffMax:         time.Minute,
		EventRetention:     24 * time.Hour,
	}
}

// WithDefaults fills zero fields from DefaultPolicy. ViolationDecay stays as given.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.TimestampTolerance <= 0 {
		p.TimestampTolerance = d.TimestampTolerance
	}
	if p.RapidFireFloor <= 0 {
		p.RapidFireFloor = d.RapidFireFloor
	}
	if len(p.ProgressiveTiers) == 0 {
		p.ProgressiveTiers = d.ProgressiveTiers
	}
	if p.ProgressiveCeiling <= 0 {
		p.ProgressiveCeiling = d.ProgressiveCeiling
	}
	if p.DailyCap <= 0 {
		p.DailyCap = d.DailyCap
	}
	if p.HourlyCap <= 0 {
		p.HourlyCap = d.HourlyCap
	}
	if p.SessionCap <= 0 {
		p.SessionCap = d.SessionCap
	}
	if p.RollingWindow <= 0 {
		p.RollingWindow = d.RollingWindow
	}
	if p.SessionTimeout <= 0 {
		p.SessionTimeout = d.SessionTimeout
	}
	if p.PatternWindow <= 0 {
		p.PatternWindow = d.PatternWindow
	}
	if p.PatternMaxEvents <= 0 {
		p.PatternMaxEvents = d.PatternMaxEvents
	}
	if p.PatternMinSamples <= 0 {
		p.PatternMinSamples = d.PatternMinSamples
	}
	if p.PatternMaxStdDev <= 0 {
		p.PatternMaxStdDev = d.PatternMaxStdDev
	}
	if p.PatternMaxMean <= 0 {
		p.PatternMaxMean = d.PatternMaxMean
	}
	if p.ViolationThreshold <= 0 {
		p.ViolationThreshold = d.ViolationThreshold
	}
	if p.BlockDuration <= 0 {
		p.BlockDuration = d.BlockDuration
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = d.BackoffMax
	}
	if p.EventRetention <= 0 {
		p.EventRetention = d.EventRetention
	}
	return p
}

// RequiredInterval is the minimum gap between operations for a client that has
// already made daily operations today.
func (p Policy) RequiredInterval(daily int64) time.Duration {
	for _, t := range p.ProgressiveTiers {
		if daily < t.Below {
			return t.Interval
		}
	}
	return p.ProgressiveCeiling
}
