package sim

import "time"

var newYork = loadNewYork()

func loadNewYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}

// inRegularHours reports whether a bar starting at t falls inside the US
// equity session, 09:30 to 16:00 New York time on weekdays. Daily and
// longer bars are aligned to UTC midnight and only need a weekday.
func inRegularHours(t time.Time, step time.Duration) bool {
	if step >= 24*time.Hour {
		return isWeekday(t.UTC())
	}
	local := t.In(newYork)
	if !isWeekday(local) {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
