package metrics

import (
	"sort"
	"time"
)

// BucketStarts lists bucket start instants for r. Hourly buckets step in
// absolute hours, so a DST day yields 23 or 25 of them.
func BucketStarts(r DateRange, g Granularity) []time.Time {
	var out []time.Time
	switch g {
	case GranularityHour:
		for t := r.From; t.Before(r.To); t = t.Add(time.Hour) {
			out = append(out, t)
		}
	default:
		for t := r.From; t.Before(r.To); t = t.AddDate(0, 0, 1) {
			out = append(out, t)
		}
	}
	return out
}

func bucketLabel(t time.Time, g Granularity) string {
	t = ToCivil(t)
	if g == GranularityHour {
		// zone abbreviation keeps the repeated fall-back hour distinct
		return t.Format("15:04 MST")
	}
	return t.Format(dateLayout)
}

// bucketIndex finds the bucket holding t, or -1 when t is outside r.
func bucketIndex(starts []time.Time, r DateRange, t time.Time) int {
	if !r.Contains(t) {
		return -1
	}
	i := sort.Search(len(starts), func(i int) bool { return starts[i].After(t) })
	return i - 1
}

// BucketSales builds the sales chart for r. Every bucket of the range is
// present, empty ones included. Orders add to the bucket of their creation
// time, refunds subtract from the bucket of the refund time, and anything
// outside r is ignored. Daily buckets also carry ad spend by insight date.
func BucketSales(orders []Order, refunds []Refund, ads []AdInsight, r DateRange) []Bucket {
	g := GranularityFor(r)
	starts := BucketStarts(r, g)
	buckets := make([]Bucket, len(starts))
	for i, s := range starts {
		buckets[i] = Bucket{Start: s, Label: bucketLabel(s, g)}
	}

	for _, o := range orders {
		if i := bucketIndex(starts, r, o.CreatedAt); i >= 0 {
			buckets[i].Sales += o.Total
			buckets[i].Orders++
		}
	}
	for _, rf := range refunds {
		if i := bucketIndex(starts, r, rf.CreatedAt); i >= 0 {
			buckets[i].Refunds += rf.Amount
		}
	}
	if g == GranularityDay {
		for _, a := range adsForTotals(ads) {
			d, err := time.ParseInLocation(dateLayout, a.Date, location)
			if err != nil {
				continue
			}
			if i := bucketIndex(starts, r, d); i >= 0 {
				buckets[i].Spend += a.Spend
			}
		}
	}

	for i := range buckets {
		b := &buckets[i]
		b.Sales = Round2(b.Sales)
		b.Refunds = Round2(b.Refunds)
		b.Spend = Round2(b.Spend)
		b.Net = Round2(b.Sales - b.Refunds)
	}
	return buckets
}
