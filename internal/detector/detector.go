package detector

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"txn-anomaly-monitor/internal/domain"
)

// NoBaselineZScore is reported when a problem status shows up before a baseline
// exists. It is a policy marker, not a computed statistic.
const NoBaselineZScore = 10.0

// minStdDev floors the denominator so a perfectly flat window cannot blow up z.
const minStdDev = 1.0

// Config holds the detector thresholds.
type Config struct {
	MinHistory        int           `mapstructure:"min_history"`
	ZScoreThreshold   float64       `mapstructure:"z_score_threshold"`
	CriticalThreshold float64       `mapstructure:"critical_threshold"`
	Lookback          time.Duration `mapstructure:"lookback"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinHistory:        30,
		ZScoreThreshold:   2.5,
		CriticalThreshold: 4.0,
		Lookback:          60 * time.Minute,
	}
}

// Validate checks threshold ordering; CRITICAL must imply anomalous.
func (c Config) Validate() error {
	if c.MinHistory < 2 {
		return fmt.Errorf("detector.min_history must be at least 2")
	}
	if c.ZScoreThreshold <= 0 {
		return fmt.Errorf("detector.z_score_threshold must be greater than zero")
	}
	if c.CriticalThreshold <= c.ZScoreThreshold {
		return fmt.Errorf("detector.critical_threshold (%.2f) must exceed z_score_threshold (%.2f)", c.CriticalThreshold, c.ZScoreThreshold)
	}
	if c.Lookback < time.Minute {
		return errors.New("detector.lookback must be at least one minute")
	}
	return nil
}

// Detector scores observed counts against a rolling per-minute baseline.
// It holds no mutable state and is safe for concurrent use.
type Detector struct {
	cfg Config
}

// New validates cfg and returns a Detector.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the detector thresholds.
func (d *Detector) Config() Config {
	return d.cfg
}

// Evaluate grades observed against history (oldest first).
func (d *Detector) Evaluate(status domain.Status, observed int64, history []int64) domain.Verdict {
	n := len(history)
	if n < d.cfg.MinHistory {
		return d.warmUp(status, observed, n)
	}

	mean, std := rollingStats(history)
	z := (float64(observed) - mean) / math.Max(std, minStdDev)

	severity := domain.SeverityNormal
	switch {
	case z > d.cfg.CriticalThreshold:
		severity = domain.SeverityCritical
	case z > d.cfg.ZScoreThreshold:
		severity = domain.SeverityWarning
	}
	anomalous := z > d.cfg.ZScoreThreshold

	verdict := domain.Verdict{
		Status:       status,
		Severity:     severity,
		CurrentValue: observed,
		ZScore:       round2(z),
		BaselineMean: round2(mean),
		BaselineStd:  round2(std),
		IsAnomalous:  anomalous,
	}
	if anomalous {
		verdict.Message = fmt.Sprintf("%s count %d is %.1fσ above baseline (mean=%.2f, std=%.2f)",
			status, observed, z, mean, std)
	}
	return verdict
}

func (d *Detector) warmUp(status domain.Status, observed int64, n int) domain.Verdict {
	if status.IsProblem() && observed > 0 {
		return domain.Verdict{
			Status:       status,
			Severity:     domain.SeverityCritical,
			CurrentValue: observed,
			ZScore:       NoBaselineZScore,
			IsAnomalous:  true,
			Message: fmt.Sprintf("%s count %d detected with no historical baseline (problem status should be rare/zero)",
				status, observed),
		}
	}
	return domain.Verdict{
		Status:       status,
		Severity:     domain.SeverityNormal,
		CurrentValue: observed,
		Message:      fmt.Sprintf("insufficient history (%d < %d) for reliable evaluation", n, d.cfg.MinHistory),
	}
}

// rollingStats returns the mean and sample standard deviation (n-1).
func rollingStats(values []int64) (float64, float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, 0
	}

	var variance float64
	for _, v := range values {
		diff := float64(v) - mean
		variance += diff * diff
	}
	return mean, math.Sqrt(variance / float64(n-1))
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
