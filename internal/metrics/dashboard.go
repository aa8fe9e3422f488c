package metrics

// Inputs is the raw data for one range.
type Inputs struct {
	Orders  []Order
	Refunds []Refund
	Ads     []AdInsight
}

type RangeInfo struct {
	From        string      `json:"from"`
	To          string      `json:"to"` // inclusive
	Timezone    string      `json:"timezone"`
	Days        int         `json:"days"`
	Granularity Granularity `json:"granularity"`
}

// Blended joins store revenue with ad spend.
type Blended struct {
	MER           float64 `json:"mer"` // net sales / spend
	BlendedCPA    float64 `json:"blendedCpa"`
	NetAfterSpend float64 `json:"netAfterSpend"`
}

type Change struct {
	Current  float64 `json:"current"`
	Previous float64 `json:"previous"`
	Percent  float64 `json:"percent"`
}

type Comparison struct {
	Range   RangeInfo         `json:"range"`
	Metrics map[string]Change `json:"metrics"`
}

type Dashboard struct {
	Range      RangeInfo    `json:"range"`
	Sales      SalesSummary `json:"sales"`
	Ads        AdSummary    `json:"ads"`
	Blended    Blended      `json:"blended"`
	Buckets    []Bucket     `json:"buckets"`
	Comparison *Comparison  `json:"comparison,omitempty"`
}

func rangeInfo(r DateRange) RangeInfo {
	return RangeInfo{
		From:        r.FromDate(),
		To:          r.ToDate(),
		Timezone:    ReportingTimezone,
		Days:        r.Days(),
		Granularity: GranularityFor(r),
	}
}

func blend(s SalesSummary, a AdSummary) Blended {
	return Blended{
		MER:           Round2(SafeDiv(s.NetSales, a.Spend)),
		BlendedCPA:    Round2(SafeDiv(a.Spend, float64(s.Orders))),
		NetAfterSpend: Round2(s.NetSales - a.Spend),
	}
}

// BuildDashboard computes everything the dashboard page shows for r. When
// prev is non-nil it holds the data for r.Previous() and a comparison is added.
func BuildDashboard(cur Inputs, prev *Inputs, r DateRange) Dashboard {
	d := Dashboard{
		Range:   rangeInfo(r),
		Sales:   Summarize(cur.Orders, cur.Refunds, r),
		Ads:     SummarizeAds(cur.Ads, r),
		Buckets: BucketSales(cur.Orders, cur.Refunds, cur.Ads, r),
	}
	d.Blended = blend(d.Sales, d.Ads)

	if prev != nil {
		pr := r.Previous()
		ps := Summarize(prev.Orders, prev.Refunds, pr)
		pa := SummarizeAds(prev.Ads, pr)
		pb := blend(ps, pa)

		pairs := map[string][2]float64{
			"grossSales": {d.Sales.GrossSales, ps.GrossSales},
			"netSales":   {d.Sales.NetSales, ps.NetSales},
			"refunds":    {d.Sales.Refunds, ps.Refunds},
			"orders":     {float64(d.Sales.Orders), float64(ps.Orders)},
			"aov":        {d.Sales.AOV, ps.AOV},
			"customers":  {float64(d.Sales.Customers), float64(ps.Customers)},
			"spend":      {d.Ads.Spend, pa.Spend},
			"roas":       {d.Ads.ROAS, pa.ROAS},
			"cpa":        {d.Ads.CPA, pa.CPA},
			"mer":        {d.Blended.MER, pb.MER},
		}
		c := &Comparison{Range: rangeInfo(pr), Metrics: make(map[string]Change, len(pairs))}
		for k, v := range pairs {
			c.Metrics[k] = Change{Current: v[0], Previous: v[1], Percent: PercentChange(v[0], v[1])}
		}
		d.Comparison = c
	}
	return d
}
