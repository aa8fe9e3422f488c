package metrics

import (
	"strings"
	"time"
	_ "time/tzdata" // Lambda images ship without zoneinfo

	"storepulse/internal/apperr"
)

// ReportingTimezone is the civil timezone every dashboard range, bucket and
// daily metrics row is expressed in.
const ReportingTimezone = "America/New_York"

const dateLayout = "2006-01-02"

// MaxRangeDays bounds a single dashboard request.
const MaxRangeDays = 366

var location = mustLoad(ReportingTimezone)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func Location() *time.Location { return location }

// ToCivil converts an instant (normally UTC from Shopify or DynamoDB)
// into New York wall-clock time.
func ToCivil(t time.Time) time.Time { return t.In(location) }

// StartOfDay is civil midnight of the day containing t.
func StartOfDay(t time.Time) time.Time {
	c := ToCivil(t)
	return time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, location)
}

// DateRange is a span of whole civil days. From is inclusive civil
// midnight, To is the exclusive civil midnight after the last day.
type DateRange struct {
	From time.Time
	To   time.Time
}

// ParseRange reads inclusive YYYY-MM-DD dates. An empty to means a single day.
func ParseRange(from, to string) (DateRange, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return DateRange{}, apperr.Validation("from is required (YYYY-MM-DD)")
	}
	if to == "" {
		to = from
	}
	f, err := time.ParseInLocation(dateLayout, from, location)
	if err != nil {
		return DateRange{}, apperr.Validation("invalid from date %q (expected YYYY-MM-DD)", from)
	}
	t, err := time.ParseInLocation(dateLayout, to, location)
	if err != nil {
		return DateRange{}, apperr.Validation("invalid to date %q (expected YYYY-MM-DD)", to)
	}
	if t.Before(f) {
		return DateRange{}, apperr.Validation("to (%s) is before from (%s)", to, from)
	}
	r := DateRange{From: f, To: t.AddDate(0, 0, 1)}
	if r.Days() > MaxRangeDays {
		return DateRange{}, apperr.Validation("range exceeds %d days", MaxRangeDays)
	}
	return r, nil
}

// DayRange is the single civil day containing t.
func DayRange(t time.Time) DateRange {
	start := StartOfDay(t)
	return DateRange{From: start, To: start.AddDate(0, 0, 1)}
}

// RangeFor resolves a named preset relative to now.
func RangeFor(now time.Time, preset string) (DateRange, error) {
	today := StartOfDay(now)
	end := today.AddDate(0, 0, 1)
	switch strings.ToLower(strings.TrimSpace(preset)) {
	case "today":
		return DateRange{From: today, To: end}, nil
	case "yesterday":
		return DateRange{From: today.AddDate(0, 0, -1), To: today}, nil
	case "last7":
		return DateRange{From: today.AddDate(0, 0, -6), To: end}, nil
	case "last30":
		return DateRange{From: today.AddDate(0, 0, -29), To: end}, nil
	case "mtd":
		return DateRange{From: time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, location), To: end}, nil
	case "ytd":
		return DateRange{From: time.Date(today.Year(), 1, 1, 0, 0, 0, 0, location), To: end}, nil
	default:
		return DateRange{}, apperr.Validation("unknown preset %q", preset)
	}
}

// Days counts civil days. DST days still count as one.
func (r DateRange) Days() int {
	f := time.Date(r.From.Year(), r.From.Month(), r.From.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(r.To.Year(), r.To.Month(), r.To.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f) / (24 * time.Hour))
}

func (r DateRange) SingleDay() bool { return r.Days() == 1 }

// Contains reports From <= t < To.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// ContainsDate checks a civil YYYY-MM-DD date, as reported by Meta insights.
func (r DateRange) ContainsDate(day string) bool {
	d, err := time.ParseInLocation(dateLayout, day, location)
	if err != nil {
		return false
	}
	return r.Contains(d)
}

// Previous is the range of equal length ending where r starts.
func (r DateRange) Previous() DateRange {
	return DateRange{From: r.From.AddDate(0, 0, -r.Days()), To: r.From}
}

// FromDate and ToDate are the inclusive civil dates.
func (r DateRange) FromDate() string { return r.From.Format(dateLayout) }
func (r DateRange) ToDate() string   { return r.To.AddDate(0, 0, -1).Format(dateLayout) }

// EachDay yields one single-day range per civil day.
func (r DateRange) EachDay() []DateRange {
	var out []DateRange
	for d := r.From; d.Before(r.To); d = d.AddDate(0, 0, 1) {
		out = append(out, DateRange{From: d, To: d.AddDate(0, 0, 1)})
	}
	return out
}

type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// GranularityFor buckets a single day by hour and anything longer by day.
func GranularityFor(r DateRange) Granularity {
	if r.SingleDay() {
		return GranularityHour
	}
	return GranularityDay
}
