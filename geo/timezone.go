package geo

import (
	"fmt"
	"strconv"
	"time"

	// bundled zone database so LoadLocation works in minimal containers
	_ "time/tzdata"
)

// ReferenceOffsetHours is the fixed offset every unit's timezone is compared against (Philippine time).
const ReferenceOffsetHours = 8.0

// HourDiff returns the signed hour difference of the zone at instant from UTC+8.
func HourDiff(zoneName string, at time.Time) (float64, error) {
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return 0, fmt.Errorf("load location %q: %w", zoneName, err)
	}
	_, offset := at.In(loc).Zone()
	return float64(offset)/3600 - ReferenceOffsetHours, nil
}

// FormatHourDiff renders a signed hour difference against UTC+8.
func FormatHourDiff(diff float64) string {
	if diff == 0 {
		return "Same as PH (UTC+8)"
	}
	sign := "+"
	if diff < 0 {
		sign = "-"
		diff = -diff
	}
	return fmt.Sprintf("%s%sh from PH (UTC+8)", sign, strconv.FormatFloat(diff, 'f', -1, 64))
}

// TimezoneLabel resolves zoneName at instant and renders its difference from UTC+8.
func TimezoneLabel(zoneName string, at time.Time) (string, error) {
	diff, err := HourDiff(zoneName, at)
	if err != nil {
		return "", err
	}
	return FormatHourDiff(diff), nil
}
