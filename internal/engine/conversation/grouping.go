package conversation

import (
	"time"

	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"
	dateLayout     = "Jan 2, 2006"
)

// DateGroup is one day bucket of the timeline.
type DateGroup struct {
	Label    string
	Day      time.Time
	Messages []chat.Message
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DayLabel names the calendar day of t relative to now: Today, Yesterday or
// a date such as "Mar 4, 2024".
func DayLabel(t, now time.Time, loc *time.Location) string {
	day := dayOf(t, loc)
	today := dayOf(now, loc)
	switch {
	case day.Equal(today):
		return LabelToday
	case day.Equal(today.AddDate(0, 0, -1)):
		return LabelYesterday
	default:
		return day.Format(dateLayout)
	}
}

// GroupByDate partitions messages into day buckets in ascending order. Each
// message lands in exactly one bucket and concatenating the buckets yields
// the chronological timeline. loc defaults to time.Local.
func GroupByDate(messages []chat.Message, now time.Time, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	sorted := append([]chat.Message(nil), messages...)
	chat.SortMessages(sorted)

	var groups []DateGroup
	for _, m := range sorted {
		day := dayOf(m.CreatedAt, loc)
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DateGroup{
			Label:    DayLabel(m.CreatedAt, now, loc),
			Day:      day,
			Messages: []chat.Message{m},
		})
	}
	return groups
}
