// Package insights turns a dashboard into a short AI-written narrative.
package insights

import (
	"encoding/json"
	"fmt"
	"strings"

	"storepulse/internal/metrics"
)

type Narrative struct {
	Headline        string   `json:"headline"`
	Summary         string   `json:"summary"`
	Highlights      []string `json:"highlights"`
	Risks           []string `json:"risks"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

// DailyPoint is one day of exported history, used to give the model a
// baseline beyond the comparison range.
type DailyPoint struct {
	Date           string  `json:"date"`
	NetRevenue     float64 `json:"netRevenue"`
	Orders         int64   `json:"orders"`
	MarketingCosts float64 `json:"marketingCosts"`
	ROAS           float64 `json:"roas"`
}

type Request struct {
	BrandName string
	Dashboard metrics.Dashboard
	History   []DailyPoint
}

// promptDashboard drops the buckets; they add tokens and little signal.
type promptDashboard struct {
	Range      metrics.RangeInfo   `json:"range"`
	Sales      metrics.SalesSummary `json:"sales"`
	Ads        metrics.AdSummary    `json:"ads"`
	Blended    metrics.Blended      `json:"blended"`
	Comparison *metrics.Comparison  `json:"comparison,omitempty"`
}

func BuildPrompt(r Request) (string, error) {
	d := r.Dashboard
	data, err := json.MarshalIndent(promptDashboard{
		Range:      d.Range,
		Sales:      d.Sales,
		Ads:        d.Ads,
		Blended:    d.Blended,
		Comparison: d.Comparison,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	history := "(none)"
	if len(r.History) > 0 {
		b, err := json.Marshal(r.History)
		if err != nil {
			return "", err
		}
		history = string(b)
	}
	brand := strings.TrimSpace(r.BrandName)
	if brand == "" {
		brand = "the brand"
	}

	return fmt.Sprintf(`
You are an e-commerce growth analyst writing for the owner of %s.

RULES:
- Output valid JSON ONLY, no markdown.
- Use only the numbers below. Never invent metrics.
- Money is in %s. Dates are in the %s timezone.
- Percent changes compare against the previous period of equal length.
- Keep each list to at most 4 short items.

DASHBOARD (%s to %s):
%s

DAILY HISTORY BEFORE THIS RANGE:
%s

Return JSON:
{
  "headline": "...",
  "summary": "...",
  "highlights": ["..."],
  "risks": ["..."],
  "recommendations": ["..."],
  "confidence": 0.0
}
`, brand, currencyOf(d), d.Range.Timezone, d.Range.From, d.Range.To, data, history), nil
}

func currencyOf(d metrics.Dashboard) string {
	if d.Sales.Currency != "" {
		return d.Sales.Currency
	}
	return "the store currency"
}

// ParseNarrative reads the first JSON object in model output.
func ParseNarrative(text string) (Narrative, error) {
	raw := extractFirstJSONObject(text)
	if raw == "" {
		return Narrative{}, fmt.Errorf("model did not return a JSON object")
	}
	var n Narrative
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Narrative{}, fmt.Errorf("narrative JSON parse failed: %w; raw=%s", err, truncate(raw, 400))
	}
	if strings.TrimSpace(n.Headline) == "" && strings.TrimSpace(n.Summary) == "" {
		return Narrative{}, fmt.Errorf("narrative is empty")
	}
	return n, nil
}

// extractFirstJSONObject finds the first balanced {...} block, ignoring
// braces inside strings.
func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
