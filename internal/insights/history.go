package insights

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"storepulse/internal/athenaq"
	"storepulse/internal/metrics"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AthenaHistory reads exported daily rows back from the daily_metrics table.
type AthenaHistory struct {
	Client  athenaq.Client
	Options athenaq.Options
	Table   string
}

// HistorySQL selects the days before r, newest last. dt is a string
// partition so it compares as YYYY-MM-DD.
func HistorySQL(table, brandID string, r metrics.DateRange, days int) (string, error) {
	if !safeID.MatchString(brandID) || !safeID.MatchString(table) {
		return "", fmt.Errorf("invalid history query identifiers")
	}
	from := r.From.AddDate(0, 0, -days).Format(time.DateOnly)
	to := r.From.AddDate(0, 0, -1).Format(time.DateOnly)
	return fmt.Sprintf(
		"SELECT metric_date, COALESCE(net_revenue, 0) AS net_revenue, COALESCE(orders, 0) AS orders, "+
			"COALESCE(marketing_costs, 0) AS marketing_costs, COALESCE(roas, 0) AS roas "+
			"FROM %s WHERE brand_id = %s AND dt BETWEEN %s AND %s ORDER BY metric_date",
		table, athenaq.Quote(brandID), athenaq.Quote(from), athenaq.Quote(to)), nil
}

func (h *AthenaHistory) History(ctx context.Context, brandID string, r metrics.DateRange, days int) ([]DailyPoint, error) {
	if days <= 0 {
		return nil, nil
	}
	sql, err := HistorySQL(h.Table, brandID, r, days)
	if err != nil {
		return nil, err
	}
	res, err := athenaq.Run(ctx, h.Client, sql, h.Options)
	if err != nil {
		return nil, err
	}
	out := make([]DailyPoint, 0, len(res.Rows))
	for _, row := range res.Rows {
		date, _ := row["metric_date"].(string)
		if date == "" {
			continue
		}
		out = append(out, DailyPoint{
			Date:           date,
			NetRevenue:     toFloat(row["net_revenue"]),
			Orders:         int64(toFloat(row["orders"])),
			MarketingCosts: toFloat(row["marketing_costs"]),
			ROAS:           toFloat(row["roas"]),
		})
	}
	return out, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
