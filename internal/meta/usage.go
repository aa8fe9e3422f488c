package meta

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Usage is the throttling state Meta reports in response headers, as
// percentages of the quota.
type Usage struct {
	App          float64
	AdAccount    float64
	BusinessCase float64
	// RegainAccess is Meta's estimate of when a blocked caller may resume.
	RegainAccess time.Duration
	// Reset is when the ad account window resets.
	Reset time.Duration
}

// Max is the highest of the reported percentages.
func (u Usage) Max() float64 {
	return max(u.App, u.AdAccount, u.BusinessCase)
}

// RetryAfter is the longest wait Meta hinted at, zero when none.
func (u Usage) RetryAfter() time.Duration {
	return max(u.RegainAccess, u.Reset)
}

// ParseUsage reads X-App-Usage, X-Ad-Account-Usage and
// X-Business-Use-Case-Usage. Missing or malformed headers read as zero.
func ParseUsage(h http.Header) Usage {
	var u Usage

	if v := h.Get("X-App-Usage"); v != "" {
		app := gjson.Parse(v)
		u.App = max(app.Get("call_count").Float(), app.Get("total_time").Float(), app.Get("total_cputime").Float())
	}

	if v := h.Get("X-Ad-Account-Usage"); v != "" {
		acc := gjson.Parse(v)
		u.AdAccount = acc.Get("acc_id_util_pct").Float()
		u.Reset = time.Duration(acc.Get("reset_time_duration").Int()) * time.Second
	}

	if v := h.Get("X-Business-Use-Case-Usage"); v != "" {
		// {"<business id>": [{"type": "ads_insights", "call_count": 12, ...}]}
		gjson.Parse(v).ForEach(func(_, entries gjson.Result) bool {
			entries.ForEach(func(_, e gjson.Result) bool {
				pct := max(e.Get("call_count").Float(), e.Get("total_time").Float(), e.Get("total_cputime").Float())
				u.BusinessCase = max(u.BusinessCase, pct)
				regain := time.Duration(e.Get("estimated_time_to_regain_access").Int()) * time.Minute
				u.RegainAccess = max(u.RegainAccess, regain)
				return true
			})
			return true
		})
	}
	return u
}
