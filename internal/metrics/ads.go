package metrics

import "sort"

// LevelCampaign is the insights level that feeds account totals. Rows at
// other levels (adset, ad) describe the same spend again and are skipped.
const LevelCampaign = "campaign"

type AdSummary struct {
	Spend         float64           `json:"spend"`
	Impressions   int64             `json:"impressions"`
	Clicks        int64             `json:"clicks"`
	Purchases     float64           `json:"purchases"`
	PurchaseValue float64           `json:"purchaseValue"`
	CTR           float64           `json:"ctr"` // percent
	CPC           float64           `json:"cpc"`
	CPM           float64           `json:"cpm"`
	ROAS          float64           `json:"roas"`
	CPA           float64           `json:"cpa"`
	Campaigns     []CampaignSummary `json:"campaigns"`
}

type CampaignSummary struct {
	CampaignID    string  `json:"campaignId"`
	Name          string  `json:"name"`
	Spend         float64 `json:"spend"`
	Purchases     float64 `json:"purchases"`
	PurchaseValue float64 `json:"purchaseValue"`
	ROAS          float64 `json:"roas"`
}

func adsForTotals(rows []AdInsight) []AdInsight {
	out := make([]AdInsight, 0, len(rows))
	for _, a := range rows {
		if a.Level == "" || a.Level == LevelCampaign {
			out = append(out, a)
		}
	}
	return out
}

// SummarizeAds totals campaign-level insight rows whose date falls in r.
func SummarizeAds(rows []AdInsight, r DateRange) AdSummary {
	s := AdSummary{Campaigns: []CampaignSummary{}}
	byCampaign := map[string]*CampaignSummary{}

	for _, a := range adsForTotals(rows) {
		if !r.ContainsDate(a.Date) {
			continue
		}
		s.Spend += a.Spend
		s.Impressions += a.Impressions
		s.Clicks += a.Clicks
		s.Purchases += a.Purchases
		s.PurchaseValue += a.PurchaseValue

		c, ok := byCampaign[a.CampaignID]
		if !ok {
			c = &CampaignSummary{CampaignID: a.CampaignID, Name: a.CampaignName}
			byCampaign[a.CampaignID] = c
		}
		c.Spend += a.Spend
		c.Purchases += a.Purchases
		c.PurchaseValue += a.PurchaseValue
	}

	s.CTR = Round2(SafeDiv(float64(s.Clicks), float64(s.Impressions)) * 100)
	s.CPC = Round2(SafeDiv(s.Spend, float64(s.Clicks)))
	s.CPM = Round2(SafeDiv(s.Spend, float64(s.Impressions)) * 1000)
	s.ROAS = Round2(SafeDiv(s.PurchaseValue, s.Spend))
	s.CPA = Round2(SafeDiv(s.Spend, s.Purchases))
	s.Spend = Round2(s.Spend)
	s.PurchaseValue = Round2(s.PurchaseValue)

	for _, c := range byCampaign {
		c.ROAS = Round2(SafeDiv(c.PurchaseValue, c.Spend))
		c.Spend = Round2(c.Spend)
		c.PurchaseValue = Round2(c.PurchaseValue)
		s.Campaigns = append(s.Campaigns, *c)
	}
	sort.Slice(s.Campaigns, func(i, j int) bool {
		if s.Campaigns[i].Spend != s.Campaigns[j].Spend {
			return s.Campaigns[i].Spend > s.Campaigns[j].Spend
		}
		return s.Campaigns[i].CampaignID < s.Campaigns[j].CampaignID
	})
	return s
}
