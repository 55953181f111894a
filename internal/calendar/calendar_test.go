package calendar

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

func weekdays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New(Config{
		Location: ist,
		Open:     TimeOfDay{Hour: 9, Minute: 15},
		Close:    TimeOfDay{Hour: 15, Minute: 30},
		Weekdays: weekdays(),
	})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return c
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "empty weekdays",
			cfg:  Config{Open: TimeOfDay{9, 0}, Close: TimeOfDay{16, 0}},
			want: ErrEmptyWeekdays,
		},
		{
			name: "open after close",
			cfg:  Config{Open: TimeOfDay{16, 0}, Close: TimeOfDay{9, 0}, Weekdays: weekdays()},
			want: ErrInvalidTimeOfDay,
		},
		{
			name: "hour out of range",
			cfg:  Config{Open: TimeOfDay{24, 0}, Close: TimeOfDay{9, 0}, Weekdays: weekdays()},
			want: ErrInvalidTimeOfDay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// Walks every minute of one week and compares IsOpen against a direct
// evaluation of the session rule.
func TestIsOpenFullWeek(t *testing.T) {
	c := newTestCalendar(t)

	// 2024-06-10 is a Monday.
	start := time.Date(2024, 6, 10, 0, 0, 0, 0, ist)
	end := start.Add(7 * 24 * time.Hour)

	opens := 0
	for ts := start; ts.Before(end); ts = ts.Add(time.Minute) {
		m := ts.Hour()*60 + ts.Minute()
		trading := ts.Weekday() != time.Saturday && ts.Weekday() != time.Sunday
		want := trading && m >= 9*60+15 && m < 15*60+30

		if got := c.IsOpen(ts); got != want {
			t.Fatalf("IsOpen(%s) = %v, want %v", ts.Format(time.RFC3339), got, want)
		}
		if want {
			opens++
		}
	}

	// 5 sessions of 6h15m.
	if opens != 5*375 {
		t.Errorf("open minutes = %d, want %d", opens, 5*375)
	}
}

func TestIsOpenBoundaries(t *testing.T) {
	c := newTestCalendar(t)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"open instant is inclusive", time.Date(2024, 6, 12, 9, 15, 0, 0, ist), true},
		{"one second before open", time.Date(2024, 6, 12, 9, 14, 59, 0, ist), false},
		{"close instant is exclusive", time.Date(2024, 6, 12, 15, 30, 0, 0, ist), false},
		{"last second of session", time.Date(2024, 6, 12, 15, 29, 59, 0, ist), true},
		{"saturday midday", time.Date(2024, 6, 15, 12, 0, 0, 0, ist), false},
		{"evaluated in trading timezone", time.Date(2024, 6, 12, 4, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsOpen(tt.at); got != tt.want {
				t.Errorf("IsOpen(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestNextOpenAndClose(t *testing.T) {
	c := newTestCalendar(t)

	tests := []struct {
		name      string
		now       time.Time
		wantOpen  time.Time
		wantClose time.Time
	}{
		{
			name:      "before open on a weekday",
			now:       time.Date(2024, 6, 12, 8, 0, 0, 0, ist),
			wantOpen:  time.Date(2024, 6, 12, 9, 15, 0, 0, ist),
			wantClose: time.Date(2024, 6, 12, 15, 30, 0, 0, ist),
		},
		{
			name:      "during session",
			now:       time.Date(2024, 6, 12, 11, 0, 0, 0, ist),
			wantOpen:  time.Date(2024, 6, 13, 9, 15, 0, 0, ist),
			wantClose: time.Date(2024, 6, 12, 15, 30, 0, 0, ist),
		},
		{
			name:      "exactly at open",
			now:       time.Date(2024, 6, 12, 9, 15, 0, 0, ist),
			wantOpen:  time.Date(2024, 6, 12, 9, 15, 0, 0, ist),
			wantClose: time.Date(2024, 6, 12, 15, 30, 0, 0, ist),
		},
		{
			name:      "friday after close skips weekend",
			now:       time.Date(2024, 6, 14, 16, 0, 0, 0, ist),
			wantOpen:  time.Date(2024, 6, 17, 9, 15, 0, 0, ist),
			wantClose: time.Date(2024, 6, 17, 15, 30, 0, 0, ist),
		},
		{
			name:      "sunday",
			now:       time.Date(2024, 6, 16, 10, 0, 0, 0, ist),
			wantOpen:  time.Date(2024, 6, 17, 9, 15, 0, 0, ist),
			wantClose: time.Date(2024, 6, 17, 15, 30, 0, 0, ist),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.NextOpen(tt.now); !got.Equal(tt.wantOpen) {
				t.Errorf("NextOpen() = %s, want %s", got, tt.wantOpen)
			}
			if got := c.NextClose(tt.now); !got.Equal(tt.wantClose) {
				t.Errorf("NextClose() = %s, want %s", got, tt.wantClose)
			}
		})
	}
}

func TestNextOpenInsideDSTGap(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation() returned error: %v", err)
	}
	c, err := New(Config{
		Location: ny,
		Open:     TimeOfDay{2, 30},
		Close:    TimeOfDay{16, 0},
		Weekdays: []time.Weekday{time.Sunday, time.Monday},
	})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	// 02:30 does not exist on 10 March 2024; clocks jump from 02:00 EST to 03:00 EDT.
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, ny)
	want := time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)

	got := c.NextOpen(now)
	if !got.Equal(want) {
		t.Fatalf("NextOpen() = %s, want %s", got, want)
	}
	if !c.IsOpen(got) {
		t.Errorf("IsOpen(%s) = false, want true", got)
	}
	if c.IsOpen(got.Add(-time.Nanosecond)) {
		t.Errorf("IsOpen just before %s = true, want false", got)
	}

	// the next day has no gap
	next := c.NextOpen(got.Add(time.Minute))
	if want := time.Date(2024, 3, 11, 2, 30, 0, 0, ny); !next.Equal(want) {
		t.Errorf("NextOpen() after gap day = %s, want %s", next, want)
	}
}

func TestNextOpenSingleWeekday(t *testing.T) {
	c, err := New(Config{
		Location: time.UTC,
		Open:     TimeOfDay{10, 0},
		Close:    TimeOfDay{11, 0},
		Weekdays: []time.Weekday{time.Wednesday},
	})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	// Wednesday after the open: the next open is a full week away.
	now := time.Date(2024, 6, 12, 10, 30, 0, 0, time.UTC)
	want := time.Date(2024, 6, 19, 10, 0, 0, 0, time.UTC)
	if got := c.NextOpen(now); !got.Equal(want) {
		t.Errorf("NextOpen() = %s, want %s", got, want)
	}
}

func TestSetBoundary(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2024, 6, 12, 9, 30, 0, 0, ist)

	if !c.IsOpen(now) {
		t.Fatal("expected market open at 09:30")
	}

	if err := c.SetBoundary(BoundaryOpen, TimeOfDay{10, 0}); err != nil {
		t.Fatalf("SetBoundary() returned error: %v", err)
	}
	if c.IsOpen(now) {
		t.Error("expected market closed at 09:30 after moving open to 10:00")
	}
	want := time.Date(2024, 6, 12, 10, 0, 0, 0, ist)
	if got := c.NextOpen(now); !got.Equal(want) {
		t.Errorf("NextOpen() = %s, want %s", got, want)
	}

	// Rejected updates keep the previous schedule.
	if err := c.SetBoundary(BoundaryClose, TimeOfDay{9, 0}); !errors.Is(err, ErrInvalidTimeOfDay) {
		t.Errorf("SetBoundary(close before open) error = %v, want ErrInvalidTimeOfDay", err)
	}
	if err := c.SetBoundary(BoundaryOpen, TimeOfDay{7, 75}); !errors.Is(err, ErrInvalidTimeOfDay) {
		t.Errorf("SetBoundary(minute 75) error = %v, want ErrInvalidTimeOfDay", err)
	}
	if err := c.SetBoundary("lunch", TimeOfDay{12, 0}); !errors.Is(err, ErrUnknownBoundary) {
		t.Errorf("SetBoundary(lunch) error = %v, want ErrUnknownBoundary", err)
	}

	s := c.Schedule()
	if s.Open != (TimeOfDay{10, 0}) || s.Close != (TimeOfDay{15, 30}) {
		t.Errorf("Schedule() = %s-%s, want 10:00-15:30", s.Open, s.Close)
	}
	if len(s.Weekdays) != 5 {
		t.Errorf("Schedule().Weekdays has %d days, want 5", len(s.Weekdays))
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"09:15", TimeOfDay{9, 15}, false},
		{" 15:30 ", TimeOfDay{15, 30}, false},
		{"24:00", TimeOfDay{}, true},
		{"noon", TimeOfDay{}, true},
	}

	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{"mon": time.Monday, "Friday": time.Friday, "SUN": time.Sunday} {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Errorf("ParseWeekday(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseWeekday("funday"); err == nil {
		t.Error("ParseWeekday(funday) expected error")
	}
}
