package meta

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseUsage(t *testing.T) {
	h := http.Header{}
	h.Set("X-App-Usage", `{"call_count":28,"total_time":25,"total_cputime":31}`)
	h.Set("X-Ad-Account-Usage", `{"acc_id_util_pct":9.67,"reset_time_duration":120,"ads_api_access_tier":"standard_access"}`)
	h.Set("X-Business-Use-Case-Usage", `{"1":[{"type":"ads_management","call_count":5,"total_time":1,"total_cputime":1,"estimated_time_to_regain_access":0}],
		"2":[{"type":"ads_insights","call_count":80,"total_time":2,"total_cputime":3,"estimated_time_to_regain_access":3}]}`)

	u := ParseUsage(h)
	assert.Equal(t, 31.0, u.App)
	assert.Equal(t, 9.67, u.AdAccount)
	assert.Equal(t, 80.0, u.BusinessCase)
	assert.Equal(t, 80.0, u.Max())
	assert.Equal(t, 3*time.Minute, u.RegainAccess)
	assert.Equal(t, 3*time.Minute, u.RetryAfter())
}

func TestParseUsageMissingOrMalformed(t *testing.T) {
	assert.Equal(t, Usage{}, ParseUsage(http.Header{}))

	h := http.Header{}
	h.Set("X-App-Usage", "not json")
	assert.Zero(t, ParseUsage(h).Max())
}

func TestGraphErrorClassification(t *testing.T) {
	cases := []struct {
		ge        GraphError
		rateLimit bool
		auth      bool
	}{
		{GraphError{Code: 4}, true, false},
		{GraphError{Code: 17}, true, false},
		{GraphError{Code: 613}, true, false},
		{GraphError{Code: 80004}, true, false},
		{GraphError{Code: 80015}, false, false},
		{GraphError{Status: 429}, true, false},
		{GraphError{Code: 190}, false, true},
		{GraphError{Code: 100}, false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.rateLimit, tc.ge.IsRateLimit(), "code %d", tc.ge.Code)
		assert.Equal(t, tc.auth, tc.ge.IsAuth(), "code %d", tc.ge.Code)
	}
}
