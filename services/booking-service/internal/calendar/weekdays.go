package calendar

import (
	"fmt"
	"time"
)

// Weekdays is a set of ISO weekdays, 1=Monday .. 7=Sunday.
type Weekdays uint8

func NewWeekdays(iso ...int) (Weekdays, error) {
	var w Weekdays
	for _, d := range iso {
		if d < 1 || d > 7 {
			return 0, fmt.Errorf("weekday %d out of range 1..7", d)
		}
		w |= 1 << uint(d)
	}
	return w, nil
}

// MondayToFriday is the default working week.
var MondayToFriday = Weekdays(1<<1 | 1<<2 | 1<<3 | 1<<4 | 1<<5)

// ISOWeekday maps Go's Sunday=0 numbering to ISO Sunday=7.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(ISOWeekday(d))) != 0
}

func (w Weekdays) Empty() bool {
	return w == 0
}

// ISO lists the set members in ascending order.
func (w Weekdays) ISO() []int {
	var out []int
	for d := 1; d <= 7; d++ {
		if w&(1<<uint(d)) != 0 {
			out = append(out, d)
		}
	}
	return out
}
