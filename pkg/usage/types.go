package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Unlimited is the limit sentinel meaning no cap.
const Unlimited int64 = -1

// Alert thresholds in percent of the limit.
const (
	WarningThreshold  = 80
	CriticalThreshold = 100
)

// Period is how often a counter restarts from zero.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
	PeriodNever Period = "never"
)

// ParsePeriod maps a catalog reset period onto Period. Empty means monthly.
func ParsePeriod(s string) Period {
	switch Period(s) {
	case PeriodDay:
		return PeriodDay
	case PeriodNever:
		return PeriodNever
	default:
		return PeriodMonth
	}
}

// ID returns the period identifier containing t.
func (p Period) ID(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodDay:
		return t.Format("2006-01-02")
	case PeriodNever:
		return "all"
	default:
		return t.Format("2006-01")
	}
}

// Counter is the usage of one resource by one tenant in the current period.
type Counter struct {
	TenantID    string    `json:"tenant_id"`
	ResourceKey string    `json:"resource_key"`
	PeriodID    string    `json:"period_id"`
	Period      Period    `json:"period"`
	Count       int64     `json:"count"`
	Limit       int64     `json:"limit"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Level is the severity of a usage alert.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert is raised when an increment crosses a threshold.
type Alert struct {
	TenantID    string    `json:"tenant_id"`
	ResourceKey string    `json:"resource_key"`
	Level       Level     `json:"level"`
	Count       int64     `json:"count"`
	Limit       int64     `json:"limit"`
	Percent     int       `json:"percent"`
	PeriodID    string    `json:"period_id"`
	At          time.Time `json:"at"`
}

// Result is the outcome of a successful increment.
type Result struct {
	Count     int64  `json:"count"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
	Alert     *Alert `json:"alert,omitempty"`
}

// QuotaExceededError is returned when an increment would pass the limit.
// The counter is left unchanged.
type QuotaExceededError struct {
	TenantID  string
	Resource  string
	Current   int64
	Limit     int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d used, %d requested", e.Resource, e.Current, e.Limit, e.Requested)
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}

// IncrementOutcome is what a Store reports for one compare-and-increment.
type IncrementOutcome struct {
	Applied     bool
	Provisioned bool
	Count       int64
	Limit       int64
	PeriodID    string
}

// Store persists counters. IncrementIfAllowed must be a single atomic
// operation: concurrent callers never push a counter past its limit.
// Counters whose period has rolled over restart from zero on increment.
type Store interface {
	IncrementIfAllowed(ctx context.Context, tenantID, resource string, amount int64, now time.Time) (IncrementOutcome, error)
	Get(ctx context.Context, tenantID, resource string) (*Counter, error)
	List(ctx context.Context, tenantID string) ([]*Counter, error)
	SetLimit(ctx context.Context, tenantID, resource string, limit int64, period Period, now time.Time) error
	Reset(ctx context.Context, tenantID, resource string, now time.Time) error
	ResetExpired(ctx context.Context, now time.Time) (int64, error)
}

// AlertSink receives threshold alerts.
type AlertSink interface {
	UsageAlert(ctx context.Context, alert Alert) error
}

// UsageTracker defines the interface for tracking usage
type UsageTracker interface {
	Increment(ctx context.Context, tenantID, resource string, amount int64) (*Result, error)
	Current(ctx context.Context, tenantID, resource string) (*Counter, error)
}
