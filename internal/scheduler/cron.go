// Package scheduler runs the engine's derived-data jobs on cron schedules,
// with file-lock overlap prevention across processes and channel-based
// concurrency caps per job category.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// bitset holds the allowed values of one cron field; bit n set means n matches.
type bitset uint64

func (b bitset) has(n int) bool { return b&(1<<uint(n)) != 0 }

type fieldSpec struct {
	name     string
	min, max int
	names    []string // aliases indexed from min
}

var cronFields = [5]fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12, names: []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}},
	{name: "day-of-week", min: 0, max: 6, names: []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}},
}

const (
	fMinute = iota
	fHour
	fDom
	fMonth
	fDow
)

var macros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

// CronExpr is a parsed 5-field schedule: minute, hour, day-of-month, month
// and day-of-week.
type CronExpr struct {
	sets [5]bitset
	// domStar and dowStar record an unrestricted day field. When both day
	// fields are restricted a time matches if either one does.
	domStar, dowStar bool
	source           string
}

// String returns the expression as it was written.
func (c *CronExpr) String() string { return c.source }

// ParseCron parses a 5-field expression or one of @hourly, @daily,
// @midnight, @weekly and @monthly. Fields accept *, N, N-M, lists and /S
// steps; month and weekday also accept three-letter names.
func ParseCron(expr string) (*CronExpr, error) {
	source := strings.TrimSpace(expr)
	body := source
	if strings.HasPrefix(body, "@") {
		m, ok := macros[strings.ToLower(body)]
		if !ok {
			return nil, fmt.Errorf("cron: unknown macro %q", body)
		}
		body = m
	}
	fields := strings.Fields(body)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("cron: expected %d fields, got %d", len(cronFields), len(fields))
	}

	c := &CronExpr{source: source}
	for i, f := range fields {
		set, err := cronFields[i].parse(f)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", cronFields[i].name, err)
		}
		c.sets[i] = set
	}
	c.domStar = strings.HasPrefix(fields[fDom], "*")
	c.dowStar = strings.HasPrefix(fields[fDow], "*")
	return c, nil
}

func (s fieldSpec) parse(field string) (bitset, error) {
	var set bitset
	for _, item := range strings.Split(field, ",") {
		lo, hi, step, err := s.parseItem(item)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// parseItem splits one list item into an inclusive range and a step.
func (s fieldSpec) parseItem(item string) (lo, hi, step int, err error) {
	span, stepText, stepped := strings.Cut(item, "/")
	step = 1
	if stepped {
		step, err = strconv.Atoi(stepText)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step in %q", item)
		}
	}

	switch {
	case span == "*":
		return s.min, s.max, step, nil
	case strings.Contains(span, "-"):
		from, to, _ := strings.Cut(span, "-")
		if lo, err = s.value(from); err != nil {
			return 0, 0, 0, err
		}
		if hi, err = s.value(to); err != nil {
			return 0, 0, 0, err
		}
		if lo > hi {
			return 0, 0, 0, fmt.Errorf("range %q runs backwards", span)
		}
		return lo, hi, step, nil
	default:
		if lo, err = s.value(span); err != nil {
			return 0, 0, 0, err
		}
		if stepped {
			// N/S runs from N to the end of the field.
			return lo, s.max, step, nil
		}
		return lo, lo, 1, nil
	}
}

func (s fieldSpec) value(text string) (int, error) {
	for i, n := range s.names {
		if strings.EqualFold(text, n) {
			return s.min + i, nil
		}
	}
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", text)
	}
	if v < s.min || v > s.max {
		return 0, fmt.Errorf("value %d out of bounds [%d,%d]", v, s.min, s.max)
	}
	return v, nil
}

// Matches reports whether t falls on the schedule, at minute resolution.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.sets[fMinute].has(t.Minute()) &&
		c.sets[fHour].has(t.Hour()) &&
		c.sets[fMonth].has(int(t.Month())) &&
		c.dayMatches(t)
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	dom := c.sets[fDom].has(t.Day())
	dow := c.sets[fDow].has(int(t.Weekday()))
	if c.domStar || c.dowStar {
		return dom && dow
	}
	return dom || dow
}

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within five years (for example "0 0 31 2 *").
func (c *CronExpr) Next(t time.Time) time.Time {
	at := t.Truncate(time.Minute).Add(time.Minute)
	limit := at.AddDate(5, 0, 0)
	loc := at.Location()

	for at.Before(limit) {
		y, mon, d := at.Date()
		switch {
		case !c.sets[fMonth].has(int(mon)):
			at = time.Date(y, mon+1, 1, 0, 0, 0, 0, loc)
		case !c.dayMatches(at):
			at = time.Date(y, mon, d+1, 0, 0, 0, 0, loc)
		case !c.sets[fHour].has(at.Hour()):
			at = time.Date(y, mon, d, at.Hour()+1, 0, 0, 0, loc)
		case !c.sets[fMinute].has(at.Minute()):
			at = at.Add(time.Minute)
		default:
			return at
		}
	}
	return time.Time{}
}
