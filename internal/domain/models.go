package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is a transaction outcome tracked by the monitor.
type Status string

const (
	StatusDenied          Status = "denied"
	StatusFailed          Status = "failed"
	StatusReversed        Status = "reversed"
	StatusBackendReversed Status = "backend_reversed"
	StatusApproved        Status = "approved"
)

// MonitoredStatuses lists every evaluated status in the fixed cycle order.
var MonitoredStatuses = []Status{
	StatusDenied,
	StatusFailed,
	StatusReversed,
	StatusBackendReversed,
	StatusApproved,
}

// IsProblem reports whether any occurrence of the status is suspicious on its own.
func (s Status) IsProblem() bool {
	switch s {
	case StatusDenied, StatusFailed, StatusReversed, StatusBackendReversed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the monitored statuses.
func (s Status) Valid() bool {
	for _, known := range MonitoredStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus normalises raw input into a monitored Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

// Severity grades a verdict.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// MarshalText renders the severity as its upper-case label.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Observation is a single per-minute count for one status.
type Observation struct {
	Status     Status
	Count      int64
	Timestamp  time.Time
	IngestedAt time.Time
}

// Validate rejects observations that must never reach the store or detector.
func (o Observation) Validate() error {
	if !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, string(o.Status))
	}
	if o.Count < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeCount, o.Count)
	}
	return nil
}

// MaxClockSkew bounds how far past the receiving clock an observation
// timestamp may lie.
const MaxClockSkew = 5 * time.Minute

// CheckNotFuture rejects timestamps more than MaxClockSkew after now.
func CheckNotFuture(ts, now time.Time) error {
	if ts.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: %s is ahead of the clock by more than %s",
			ErrInvalidTimestamp, ts.UTC().Format(time.RFC3339), MaxClockSkew)
	}
	return nil
}

// Verdict is the outcome of evaluating one observed count against its baseline.
type Verdict struct {
	Status       Status
	Severity     Severity
	CurrentValue int64
	ZScore       float64
	BaselineMean float64
	BaselineStd  float64
	IsAnomalous  bool
	Message      string
	EvaluatedAt  time.Time
}

// ParseTimestamp accepts RFC 3339 timestamps, with or without fractional
// seconds. An empty string yields the zero time.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	return ts.UTC(), nil
}

// MaxSeverity returns the highest severity among verdicts.
func MaxSeverity(verdicts ...Verdict) Severity {
	max := SeverityNormal
	for _, v := range verdicts {
		if v.Severity > max {
			max = v.Severity
		}
	}
	return max
}
