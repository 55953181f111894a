package calendar

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyWeekdays    = errors.New("trading weekday mask is empty")
	ErrInvalidTimeOfDay = errors.New("invalid time of day")
	ErrUnknownBoundary  = errors.New("unknown schedule boundary")
)

// Boundary identifies one of the two daily session transitions
type Boundary string

const (
	BoundaryOpen  Boundary = "open"
	BoundaryClose Boundary = "close"
)

// TimeOfDay is an hour/minute pair in the trading timezone
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses "HH:MM"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var tod TimeOfDay
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &tod.Hour, &tod.Minute); err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	if err := tod.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return tod, nil
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: %02d:%02d", ErrInvalidTimeOfDay, t.Hour, t.Minute)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) minutes() int {
	return t.Hour*60 + t.Minute
}

// ParseWeekday accepts full or three-letter English weekday names
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// Config is the static description of a trading session
type Config struct {
	Location *time.Location
	Open     TimeOfDay
	Close    TimeOfDay
	Weekdays []time.Weekday
}

// Schedule is a point-in-time copy of the calendar settings
type Schedule struct {
	Open     TimeOfDay
	Close    TimeOfDay
	Weekdays []time.Weekday
	Location *time.Location
}

// Calendar answers whether trading is permitted at a given instant. Open and
// close times may be changed at runtime and are read on every call.
type Calendar struct {
	mu       sync.RWMutex
	loc      *time.Location
	open     TimeOfDay
	close    TimeOfDay
	weekdays [7]bool
}

// New validates cfg and builds a Calendar. Errors here are startup-fatal.
func New(cfg Config) (*Calendar, error) {
	if len(cfg.Weekdays) == 0 {
		return nil, ErrEmptyWeekdays
	}
	if err := validateSession(cfg.Open, cfg.Close); err != nil {
		return nil, err
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	c := &Calendar{loc: loc, open: cfg.Open, close: cfg.Close}
	for _, d := range cfg.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("invalid weekday %d", d)
		}
		c.weekdays[d] = true
	}
	return c, nil
}

func validateSession(open, close TimeOfDay) error {
	if err := open.Validate(); err != nil {
		return err
	}
	if err := close.Validate(); err != nil {
		return err
	}
	if open.minutes() >= close.minutes() {
		return fmt.Errorf("%w: open %s must be before close %s", ErrInvalidTimeOfDay, open, close)
	}
	return nil
}

// Location returns the trading timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Schedule returns a snapshot of the current settings
func (c *Calendar) Schedule() Schedule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Schedule{Open: c.open, Close: c.close, Location: c.loc}
	for d, ok := range c.weekdays {
		if ok {
			s.Weekdays = append(s.Weekdays, time.Weekday(d))
		}
	}
	return s
}

// SetBoundary replaces the open or close time of day. The previous value is
// kept when tod is invalid or would leave the session empty.
func (c *Calendar) SetBoundary(b Boundary, tod TimeOfDay) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	open, close := c.open, c.close
	switch b {
	case BoundaryOpen:
		open = tod
	case BoundaryClose:
		close = tod
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBoundary, b)
	}
	if err := validateSession(open, close); err != nil {
		return err
	}
	c.open, c.close = open, close
	return nil
}

// IsOpen reports whether now falls on a trading weekday within [open, close)
func (c *Calendar) IsOpen(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	local := now.In(c.loc)
	if !c.weekdays[local.Weekday()] {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= c.open.minutes() && m < c.close.minutes()
}

// NextOpen returns the first session open on or after now
func (c *Calendar) NextOpen(now time.Time) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next(now, c.open)
}

// NextClose returns the first session close on or after now
func (c *Calendar) NextClose(now time.Time) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next(now, c.close)
}

// NextBoundary dispatches to NextOpen or NextClose
func (c *Calendar) NextBoundary(b Boundary, now time.Time) time.Time {
	if b == BoundaryClose {
		return c.NextClose(now)
	}
	return c.NextOpen(now)
}

// next walks forward day by day. Eight candidates cover the case where the
// only trading weekday is today and today's boundary has already passed.
func (c *Calendar) next(now time.Time, tod TimeOfDay) time.Time {
	local := now.In(c.loc)
	for i := 0; i < 8; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, c.loc)
		if !c.weekdays[day.Weekday()] {
			continue
		}
		candidate := c.wallClock(day, tod)
		if !candidate.Before(now) {
			return candidate
		}
	}
	return time.Time{}
}

// wallClock returns the instant tod occurs on day. When tod falls in a
// daylight-saving gap it returns the end of the gap, the first instant whose
// local time is at or past tod.
func (c *Calendar) wallClock(day time.Time, tod TimeOfDay) time.Time {
	t := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, c.loc)
	if t.Hour() == tod.Hour && t.Minute() == tod.Minute && t.Day() == day.Day() {
		return t
	}

	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	want := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, time.UTC)
	start, end := t.ZoneBounds()
	if wall.Before(want) {
		if !end.IsZero() {
			return end
		}
		return t
	}
	if !start.IsZero() {
		return start
	}
	return t
}
