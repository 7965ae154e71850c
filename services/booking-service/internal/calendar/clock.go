package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a provider-local time of day, in whole minutes since midnight.
type Clock int

const (
	Midnight Clock = 0
	EndOfDay Clock = 24 * 60
)

func ClockOf(hour, minute int) Clock {
	return Clock(hour*60 + minute)
}

// ParseClock accepts "HH:MM" and "HH:MM:SS" (seconds must be zero). "24:00"
// is accepted so a shift may end at midnight.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		if len(p) != 2 {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		nums[i] = n
	}
	if len(nums) == 3 && nums[2] != 0 {
		return 0, fmt.Errorf("time of day %q must be minute-aligned", s)
	}
	h, m := nums[0], nums[1]
	if m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return ClockOf(h, m), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

// String renders HH:MM.
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// Long renders HH:MM:SS, the wire format of slot times.
func (c Clock) Long() string {
	return c.String() + ":00"
}

func (c Clock) Add(d time.Duration) Clock {
	return c + Clock(d/time.Minute)
}

func (c Clock) Sub(o Clock) time.Duration {
	return time.Duration(c-o) * time.Minute
}

func (c Clock) Before(o Clock) bool { return c < o }

func (c Clock) Valid() bool {
	return c >= Midnight && c <= EndOfDay
}
