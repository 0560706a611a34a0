package gramdb

import (
	"context"
	"math"
	"time"
)

// Day statuses of an attendance calendar.
const (
	DayPresent = "present"
	DayAbsent  = "absent"
	DayHoliday = "holiday"
	DayFuture  = "future"
)

// AttendanceDay is one calendar cell.
type AttendanceDay struct {
	Day    int    `json:"day"`
	Date   string `json:"date"`
	Status string `json:"status"`
}

// AttendanceSummary is the calendar of one month.
type AttendanceSummary struct {
	Year       int             `json:"year"`
	Month      time.Month      `json:"month"`
	Present    int             `json:"present"`
	Percentage int             `json:"percentage"`
	Days       []AttendanceDay `json:"days"`
}

// AttendanceMonth summarizes the month containing now. Sundays are
// holidays, days after now are future; the percentage is present days over
// past working days, capped at 100.
func (db *DB) AttendanceMonth(ctx context.Context, now time.Time) (AttendanceSummary, error) {
	dates, err := db.side.Attendance(ctx)
	if err != nil {
		return AttendanceSummary{}, err
	}
	return summarizeAttendance(dates, now), nil
}

func summarizeAttendance(dates []string, now time.Time) AttendanceSummary {
	present := make(map[string]bool, len(dates))
	for _, d := range dates {
		present[d] = true
	}

	year, month, today := now.Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, now.Location())
	days := first.AddDate(0, 1, -1).Day()

	s := AttendanceSummary{Year: year, Month: month, Days: make([]AttendanceDay, 0, days)}
	working := 0
	for i := 1; i <= days; i++ {
		date := first.AddDate(0, 0, i-1)
		day := AttendanceDay{Day: i, Date: date.Format(time.DateOnly)}
		sunday := date.Weekday() == time.Sunday
		future := i > today
		if present[day.Date] {
			s.Present++
		}
		if !sunday && !future {
			working++
		}
		switch {
		case future:
			day.Status = DayFuture
		case sunday:
			day.Status = DayHoliday
		case present[day.Date]:
			day.Status = DayPresent
		default:
			day.Status = DayAbsent
		}
		s.Days = append(s.Days, day)
	}
	if working > 0 {
		s.Percentage = min(int(math.Round(float64(s.Present)/float64(working)*100)), 100)
	}
	return s
}
