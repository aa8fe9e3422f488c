package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"storepulse/internal/metrics"
)

type AdAccount struct {
	ID           string `json:"id"` // act_<n>
	AccountID    string `json:"accountId"`
	Name         string `json:"name"`
	Currency     string `json:"currency"`
	TimezoneName string `json:"timezoneName"`
	Status       int    `json:"status"`
}

type Campaign struct {
	ID             string  `json:"id"`
	AccountID      string  `json:"accountId"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	Objective      string  `json:"objective"`
	DailyBudget    float64 `json:"dailyBudget"` // account currency, not minor units
	LifetimeBudget float64 `json:"lifetimeBudget"`
	CreatedTime    string  `json:"createdTime"`
	StartTime      string  `json:"startTime"`
	StopTime       string  `json:"stopTime"`
}

// NormalizeAccountID accepts "123" or "act_123".
func NormalizeAccountID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "act_") {
		return id
	}
	return "act_" + id
}

func (c *Client) AdAccounts(ctx context.Context, token string) ([]AdAccount, error) {
	req := c.request(ctx, token).SetQueryParams(map[string]string{
		"fields": "id,account_id,name,currency,timezone_name,account_status",
		"limit":  "100",
	})
	out := []AdAccount{}
	err := c.pages(ctx, req, "/me/adaccounts", func(v gjson.Result) {
		out = append(out, AdAccount{
			ID:           v.Get("id").String(),
			AccountID:    v.Get("account_id").String(),
			Name:         v.Get("name").String(),
			Currency:     v.Get("currency").String(),
			TimezoneName: v.Get("timezone_name").String(),
			Status:       int(v.Get("account_status").Int()),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list ad accounts: %w", err)
	}
	return out, nil
}

// minorUnits converts Meta budget strings (cents) to currency units.
func minorUnits(v gjson.Result) float64 {
	return metrics.Round2(v.Float() / 100)
}

func (c *Client) Campaigns(ctx context.Context, token, accountID string) ([]Campaign, error) {
	accountID = NormalizeAccountID(accountID)
	req := c.request(ctx, token).SetQueryParams(map[string]string{
		"fields": "id,name,status,objective,daily_budget,lifetime_budget,created_time,start_time,stop_time",
		"limit":  "200",
	})
	out := []Campaign{}
	err := c.pages(ctx, req, "/"+accountID+"/campaigns", func(v gjson.Result) {
		out = append(out, Campaign{
			ID:             v.Get("id").String(),
			AccountID:      accountID,
			Name:           v.Get("name").String(),
			Status:         v.Get("status").String(),
			Objective:      v.Get("objective").String(),
			DailyBudget:    minorUnits(v.Get("daily_budget")),
			LifetimeBudget: minorUnits(v.Get("lifetime_budget")),
			CreatedTime:    v.Get("created_time").String(),
			StartTime:      v.Get("start_time").String(),
			StopTime:       v.Get("stop_time").String(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list campaigns for %s: %w", accountID, err)
	}
	return out, nil
}

// purchaseActions in order of preference. omni_purchase already dedupes
// pixel, app and offline purchases, so only the first present type counts.
var purchaseActions = []string{
	"omni_purchase",
	"purchase",
	"offsite_conversion.fb_pixel_purchase",
}

func actionValue(list gjson.Result) float64 {
	byType := map[string]float64{}
	list.ForEach(func(_, a gjson.Result) bool {
		byType[a.Get("action_type").String()] = a.Get("value").Float()
		return true
	})
	for _, t := range purchaseActions {
		if v, ok := byType[t]; ok {
			return v
		}
	}
	return 0
}

var levelObjectField = map[string]string{
	"account":  "account_id",
	"campaign": "campaign_id",
	"adset":    "adset_id",
	"ad":       "ad_id",
}

// Insights pulls daily rows for [since, until] (YYYY-MM-DD, inclusive) at
// the given level.
func (c *Client) Insights(ctx context.Context, token, accountID, level, since, until string) ([]metrics.AdInsight, error) {
	accountID = NormalizeAccountID(accountID)
	objField, ok := levelObjectField[level]
	if !ok {
		return nil, fmt.Errorf("unsupported insights level %q", level)
	}
	tr, _ := json.Marshal(map[string]string{"since": since, "until": until})

	req := c.request(ctx, token).SetQueryParams(map[string]string{
		"level":          level,
		"fields":         "account_id,campaign_id,campaign_name,adset_id,ad_id,date_start,spend,impressions,clicks,reach,actions,action_values",
		"time_range":     string(tr),
		"time_increment": "1",
		"limit":          "500",
	})

	out := []metrics.AdInsight{}
	err := c.pages(ctx, req, "/"+accountID+"/insights", func(v gjson.Result) {
		out = append(out, metrics.AdInsight{
			AccountID:     accountID,
			Level:         level,
			ObjectID:      v.Get(objField).String(),
			CampaignID:    v.Get("campaign_id").String(),
			CampaignName:  v.Get("campaign_name").String(),
			Date:          v.Get("date_start").String(),
			Spend:         v.Get("spend").Float(),
			Impressions:   v.Get("impressions").Int(),
			Clicks:        v.Get("clicks").Int(),
			Reach:         v.Get("reach").Int(),
			Purchases:     actionValue(v.Get("actions")),
			PurchaseValue: actionValue(v.Get("action_values")),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("insights %s %s..%s: %w", accountID, since, until, err)
	}
	return out, nil
}

