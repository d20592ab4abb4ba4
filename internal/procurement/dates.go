package procurement

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const erpDateLayout = "02/01/06"

// NoonLocal keeps the calendar date of t as written and moves it to noon in
// the local zone, so day arithmetic never drifts across midnight.
func NoonLocal(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, time.Local)
}

// ParseERPDate parses the ERP dd/mm/yy format.
func ParseERPDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrValidation)
	}
	t, err := time.ParseInLocation(erpDateLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrValidation, value, err)
	}
	return NoonLocal(t), nil
}

// DaysBetween returns the signed whole number of days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(math.Round(NoonLocal(b).Sub(NoonLocal(a)).Hours() / 24))
}
