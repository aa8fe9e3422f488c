package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/db/dbtest"
	"storepulse/internal/meta"
	"storepulse/internal/metrics"
)

func ny(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, metrics.Location())
}

func TestRangeSpansMonthsAndUsesOwnTimestamps(t *testing.T) {
	ctx := context.Background()
	f := dbtest.New()
	s := NewOrders(f, "orders")

	// 2025-01-31 20:30 New York is already February in UTC.
	require.NoError(t, s.PutOrder(ctx, "b1", metrics.Order{ID: "1", Shop: "a.myshopify.com", CreatedAt: ny(2025, 1, 31, 20, 30), Total: 100,
		LineItems: []metrics.LineItem{{ProductID: "p1", Title: "Mug", Quantity: 2, Price: 50}}}))
	require.NoError(t, s.PutOrder(ctx, "b1", metrics.Order{ID: "2", Shop: "a.myshopify.com", CreatedAt: ny(2025, 1, 15, 9, 0), Total: 40}))
	require.NoError(t, s.PutOrder(ctx, "b1", metrics.Order{ID: "3", Shop: "a.myshopify.com", CreatedAt: ny(2025, 2, 1, 0, 0), Total: 10}))
	require.NoError(t, s.PutOrder(ctx, "b2", metrics.Order{ID: "9", Shop: "b.myshopify.com", CreatedAt: ny(2025, 1, 20, 9, 0), Total: 999}))

	// order 2's refund lands in February
	created, err := s.PutRefund(ctx, "b1", metrics.Refund{ID: "r1", OrderID: "2", Shop: "a.myshopify.com", CreatedAt: ny(2025, 1, 31, 23, 0), Amount: 15})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.PutRefund(ctx, "b1", metrics.Refund{ID: "r1", OrderID: "2", Shop: "a.myshopify.com", CreatedAt: ny(2025, 1, 31, 23, 0), Amount: 15})
	require.NoError(t, err)
	assert.False(t, created)

	r, err := metrics.ParseRange("2025-01-01", "2025-01-31")
	require.NoError(t, err)
	orders, refunds, err := s.Range(ctx, "b1", r)
	require.NoError(t, err)

	require.Len(t, orders, 2)
	assert.Equal(t, "2", orders[0].ID)
	assert.Equal(t, "1", orders[1].ID)
	assert.True(t, orders[1].CreatedAt.Equal(ny(2025, 1, 31, 20, 30)))
	assert.Equal(t, []metrics.LineItem{{ProductID: "p1", Title: "Mug", Quantity: 2, Price: 50}}, orders[1].LineItems)

	require.Len(t, refunds, 1)
	assert.Equal(t, 15.0, refunds[0].Amount)
	assert.Equal(t, "2", refunds[0].OrderID)
}

func TestPutOrderIsUpsert(t *testing.T) {
	ctx := context.Background()
	f := dbtest.New()
	s := NewOrders(f, "orders")

	o := metrics.Order{ID: "1", Shop: "a.myshopify.com", CreatedAt: ny(2025, 3, 3, 12, 0), Total: 10}
	require.NoError(t, s.PutOrder(ctx, "b1", o))
	o.Total = 12
	require.NoError(t, s.PutOrder(ctx, "b1", o))

	orders, _, err := s.Range(ctx, "b1", metrics.DayRange(o.CreatedAt))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 12.0, orders[0].Total)

	assert.Error(t, s.PutOrder(ctx, "b1", metrics.Order{ID: "x"}))
}

func TestMonthsIn(t *testing.T) {
	from := time.Date(2024, 12, 31, 5, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 1, 5, 0, 0, 0, time.UTC)
	months := monthsIn(from, to)
	require.Len(t, months, 3)
	assert.Equal(t, time.December, months[0].Month())
	assert.Equal(t, time.February, months[2].Month())
}

func TestAdInsightsRange(t *testing.T) {
	ctx := context.Background()
	f := dbtest.New()
	s := NewAds(f, "ads")

	rows := []metrics.AdInsight{
		{AccountID: "act_1", Level: "campaign", ObjectID: "c1", CampaignID: "c1", Date: "2025-05-01", Spend: 10},
		{AccountID: "act_1", Level: "campaign", ObjectID: "c1", CampaignID: "c1", Date: "2025-05-02", Spend: 20},
		{AccountID: "act_1", Level: "adset", ObjectID: "s1", CampaignID: "c1", Date: "2025-05-02", Spend: 20},
		{AccountID: "act_1", Level: "campaign", ObjectID: "c1", CampaignID: "c1", Date: "2025-05-03", Spend: 30},
	}
	require.NoError(t, s.PutAdInsights(ctx, "b1", rows))
	require.Len(t, f.Batches, 1)

	// a re-pull overwrites in place
	require.NoError(t, s.PutAdInsights(ctx, "b1", []metrics.AdInsight{
		{AccountID: "act_1", Level: "campaign", ObjectID: "c1", CampaignID: "c1", Date: "2025-05-02", Spend: 25},
	}))

	r, err := metrics.ParseRange("2025-05-02", "2025-05-02")
	require.NoError(t, err)
	got, err := s.AdInsights(ctx, "b1", r)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "adset", got[0].Level)
	assert.Equal(t, 25.0, got[1].Spend)

	require.NoError(t, s.PutAdInsights(ctx, "b1", nil))
}

func TestCampaigns(t *testing.T) {
	ctx := context.Background()
	f := dbtest.New()
	s := NewAds(f, "ads")

	require.NoError(t, s.PutCampaigns(ctx, "b1", []meta.Campaign{
		{ID: "c1", AccountID: "act_1", Name: "Spring", DailyBudget: 50},
		{ID: "c2", AccountID: "act_2", Name: "Brand"},
	}))

	all, err := s.Campaigns(ctx, "b1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := s.Campaigns(ctx, "b1", "act_1")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "Spring", one[0].Name)
	assert.Equal(t, 50.0, one[0].DailyBudget)
}
