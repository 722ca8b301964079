package search

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Limits is the operator-managed quota policy file.
type Limits struct {
	MonthlyLimit  int    `json:"monthly_limit"`
	BillingDay    int    `json:"billing_day"`
	DailyStrategy string `json:"daily_strategy"`
}

// Usage is the persisted consumption ledger.
type Usage struct {
	PeriodStart string     `json:"period_start"` // YYYY-MM-DD
	PeriodCount int        `json:"period_count"`
	Daily       DailyUsage `json:"daily"`
}

type DailyUsage struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// QuotaLedger guards the Brave API budget. Check runs before every API call;
// Consume runs only after a confirmed 200, so rejected and failed calls never
// burn quota.
type QuotaLedger struct {
	mu         sync.Mutex
	limitsPath string
	usagePath  string
	now        func() time.Time
}

func NewQuotaLedger(limitsPath, usagePath string) *QuotaLedger {
	return &QuotaLedger{
		limitsPath: limitsPath,
		usagePath:  usagePath,
		now:        time.Now,
	}
}

// Check reports "" when a search may proceed, or a bracketed status string
// explaining which budget is exhausted. Missing limits file means no quota
// enforcement.
func (q *QuotaLedger) Check() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	limits, ok := q.loadLimits()
	if !ok {
		return ""
	}

	usage := q.loadUsage()
	today := q.now()
	start := periodStart(today, limits.BillingDay)
	usage = resetIfNewPeriod(usage, start, today)

	if usage.PeriodCount >= limits.MonthlyLimit {
		return fmt.Sprintf("[Error: Monthly search quota exhausted (%d/%d). Resets on %s.]",
			usage.PeriodCount, limits.MonthlyLimit, nextPeriodStart(today, limits.BillingDay).Format("2006-01-02"))
	}

	if limits.DailyStrategy == "spread" {
		budget := dailyBudget(limits, usage, today)
		if usage.Daily.Date == dateKey(today) && usage.Daily.Count >= budget {
			return fmt.Sprintf("[Error: Daily search budget exhausted (%d/%d). Try again tomorrow.]",
				usage.Daily.Count, budget)
		}
	}
	return ""
}

// Consume records one successful API call and persists the ledger.
func (q *QuotaLedger) Consume() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	limits, ok := q.loadLimits()
	if !ok {
		return nil
	}

	usage := q.loadUsage()
	today := q.now()
	usage = resetIfNewPeriod(usage, periodStart(today, limits.BillingDay), today)

	usage.PeriodCount++
	if usage.Daily.Date == dateKey(today) {
		usage.Daily.Count++
	} else {
		usage.Daily = DailyUsage{Date: dateKey(today), Count: 1}
	}
	return q.saveUsage(usage)
}

// Snapshot returns the current counters for the admin surface.
func (q *QuotaLedger) Snapshot() (Limits, Usage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	limits, ok := q.loadLimits()
	if !ok {
		return Limits{}, Usage{}, false
	}
	today := q.now()
	usage := resetIfNewPeriod(q.loadUsage(), periodStart(today, limits.BillingDay), today)
	return limits, usage, true
}

func (q *QuotaLedger) loadLimits() (Limits, bool) {
	raw, err := os.ReadFile(q.limitsPath)
	if err != nil {
		return Limits{}, false
	}
	var limits Limits
	if err := json.Unmarshal(raw, &limits); err != nil || limits.MonthlyLimit <= 0 {
		return Limits{}, false
	}
	if limits.BillingDay < 1 {
		limits.BillingDay = 1
	}
	return limits, true
}

func (q *QuotaLedger) loadUsage() Usage {
	raw, err := os.ReadFile(q.usagePath)
	if err != nil {
		return Usage{}
	}
	var usage Usage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return Usage{}
	}
	return usage
}

func (q *QuotaLedger) saveUsage(usage Usage) error {
	raw, err := json.MarshalIndent(usage, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(q.usagePath), 0o755); err != nil {
		return fmt.Errorf("create usage directory: %w", err)
	}
	tmp := q.usagePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write usage: %w", err)
	}
	if err := os.Rename(tmp, q.usagePath); err != nil {
		return fmt.Errorf("replace usage: %w", err)
	}
	return nil
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// periodStart returns the most recent billing-day boundary on or before t.
// Billing days past the end of a month clamp to its last day, so a billing_day
// of 31 works in February.
func periodStart(t time.Time, billingDay int) time.Time {
	day := clampDay(billingDay, t.Year(), t.Month())
	if t.Day() >= day {
		return time.Date(t.Year(), t.Month(), day, 0, 0, 0, 0, t.Location())
	}
	prev := t.AddDate(0, 0, -t.Day()) // last day of previous month
	day = clampDay(billingDay, prev.Year(), prev.Month())
	return time.Date(prev.Year(), prev.Month(), day, 0, 0, 0, 0, t.Location())
}

func nextPeriodStart(t time.Time, billingDay int) time.Time {
	start := periodStart(t, billingDay)
	next := start.AddDate(0, 1, 0)
	day := clampDay(billingDay, next.Year(), next.Month())
	return time.Date(next.Year(), next.Month(), day, 0, 0, 0, 0, t.Location())
}

func clampDay(day, year int, month time.Month) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	if day < 1 {
		return 1
	}
	return day
}

// resetIfNewPeriod zeroes the counters when the persisted ledger belongs to an
// earlier billing period.
func resetIfNewPeriod(usage Usage, start, today time.Time) Usage {
	key := dateKey(start)
	if usage.PeriodStart != key {
		return Usage{PeriodStart: key, Daily: DailyUsage{Date: dateKey(today)}}
	}
	return usage
}

// dailyBudget spreads the remaining monthly quota evenly over the days left in
// the billing period, rounding up so the budget is never zero while quota
// remains.
func dailyBudget(limits Limits, usage Usage, today time.Time) int {
	remaining := limits.MonthlyLimit - usage.PeriodCount
	if remaining <= 0 {
		return 0
	}
	next := nextPeriodStart(today, limits.BillingDay)
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	daysLeft := int(next.Sub(midnight).Hours() / 24)
	if daysLeft < 1 {
		daysLeft = 1
	}
	return (remaining + daysLeft - 1) / daysLeft
}
