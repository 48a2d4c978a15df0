package scheduler

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Five fields, minute through day-of-week. Descriptors such as "@daily" are not accepted.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidCron, "empty expression")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCron, "%s", err.Error())
	}
	return sched, nil
}

// NextRun is the first activation strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// NextRuns lists the next n activations after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// CronFields is a cron expression split into its five fields. Empty fields mean "*".
type CronFields struct {
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfMonth string `json:"day_of_month"`
	Month      string `json:"month"`
	DayOfWeek  string `json:"day_of_week"`
}

func (f CronFields) Expression() string {
	parts := []string{f.Minute, f.Hour, f.DayOfMonth, f.Month, f.DayOfWeek}
	for i, p := range parts {
		if p = strings.TrimSpace(p); p == "" {
			p = "*"
		}
		parts[i] = p
	}
	return strings.Join(parts, " ")
}

// Preset is a named, commonly used schedule.
type Preset struct {
	Name        string `json:"name"`
	Expression  string `json:"expression"`
	Description string `json:"description"`
}

var presets = []Preset{
	{"Every Minute", "* * * * *", "Run every minute"},
	{"Every 5 Minutes", "*/5 * * * *", "Run every 5 minutes"},
	{"Every 15 Minutes", "*/15 * * * *", "Run every 15 minutes"},
	{"Every Hour", "0 * * * *", "Run every hour"},
	{"Every 6 Hours", "0 */6 * * *", "Run every 6 hours"},
	{"Daily at Midnight", "0 0 * * *", "Run daily at midnight"},
	{"Daily at 2 AM", "0 2 * * *", "Run daily at 2 AM"},
	{"Weekly on Sunday", "0 0 * * 0", "Run weekly on Sunday at midnight"},
	{"Monthly on 1st", "0 0 1 * *", "Run monthly on the 1st at midnight"},
	{"Weekdays at 9 AM", "0 9 * * 1-5", "Run weekdays at 9 AM"},
	{"Weekends at 6 AM", "0 6 * * 0,6", "Run weekends at 6 AM"},
}

// Presets returns a copy of the built-in schedule presets.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// Describe returns the preset description for expr, or a generic label.
func Describe(expr string) string {
	norm := strings.Join(strings.Fields(expr), " ")
	for _, p := range presets {
		if p.Expression == norm {
			return p.Description
		}
	}
	return "Custom schedule: " + norm
}
