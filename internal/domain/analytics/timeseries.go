package analytics

import (
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
)

type period struct {
	start time.Time
	count int
}

// seriesBuilder counts timestamps per calendar day, ISO week, month and year
// in one location.
type seriesBuilder struct {
	loc                    *time.Location
	day, week, month, year map[string]*period
}

func newSeriesBuilder(loc *time.Location) *seriesBuilder {
	return &seriesBuilder{
		loc:   loc,
		day:   map[string]*period{},
		week:  map[string]*period{},
		month: map[string]*period{},
		year:  map[string]*period{},
	}
}

func (b *seriesBuilder) add(ts time.Time) {
	t := ts.In(b.loc)
	y, m, d := t.Date()

	dayStart := time.Date(y, m, d, 0, 0, 0, 0, b.loc)
	bump(b.day, dayStart.Format(time.DateOnly), dayStart)

	wy, wn := t.ISOWeek()
	weekday := int(t.Weekday()+6) % 7
	bump(b.week, fmt.Sprintf("%d-W%02d", wy, wn), dayStart.AddDate(0, 0, -weekday))

	bump(b.month, fmt.Sprintf("%d/%d", int(m), y), time.Date(y, m, 1, 0, 0, 0, 0, b.loc))
	bump(b.year, fmt.Sprintf("%d", y), time.Date(y, time.January, 1, 0, 0, 0, 0, b.loc))
}

func bump(m map[string]*period, key string, start time.Time) {
	if p, ok := m[key]; ok {
		p.count++
		return
	}
	m[key] = &period{start: start, count: 1}
}

func (b *seriesBuilder) build() TimeSeries {
	return TimeSeries{
		Day:   ordered(b.day),
		Week:  ordered(b.week),
		Month: ordered(b.month),
		Year:  ordered(b.year),
	}
}

// ordered returns the periods oldest first. The result is never nil.
func ordered(m map[string]*period) []Point {
	keys := lo.Keys(m)
	slices.SortFunc(keys, func(a, b string) int {
		return m[a].start.Compare(m[b].start)
	})
	return lo.Map(keys, func(k string, _ int) Point {
		return Point{Period: k, Count: m[k].count}
	})
}
