package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"storepulse/internal/apperr"
)

type GraphQLError struct {
	Message    string `json:"message"`
	Path       []any  `json:"path,omitempty"`
	Extensions struct {
		Code string `json:"code,omitempty"`
	} `json:"extensions,omitempty"`
}

type GraphQLResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []GraphQLError `json:"errors"`
}

// ThrottleStatus is the query cost bucket Shopify reports in
// extensions.cost.throttleStatus.
type ThrottleStatus struct {
	MaximumAvailable   float64
	CurrentlyAvailable float64
	RestoreRate        float64
	RequestedCost      float64
}

// Wait is how long until the bucket can afford the requested cost.
func (t ThrottleStatus) Wait() time.Duration {
	if t.RestoreRate <= 0 {
		return 0
	}
	missing := t.RequestedCost - t.CurrentlyAvailable
	if missing <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(missing/t.RestoreRate)) * time.Second
}

func throttleStatus(body []byte) ThrottleStatus {
	cost := gjson.GetBytes(body, "extensions.cost")
	return ThrottleStatus{
		MaximumAvailable:   cost.Get("throttleStatus.maximumAvailable").Float(),
		CurrentlyAvailable: cost.Get("throttleStatus.currentlyAvailable").Float(),
		RestoreRate:        cost.Get("throttleStatus.restoreRate").Float(),
		RequestedCost:      cost.Get("requestedQueryCost").Float(),
	}
}

// PostGraphQL runs an Admin GraphQL query. Throttling, by HTTP 429 or a
// THROTTLED error, becomes apperr.RateLimited; any other error response
// becomes apperr.Upstream.
func PostGraphQL[T any](ctx context.Context, c *Client, shop, accessToken, query string, variables any) (*GraphQLResponse[T], error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Shopify-Access-Token", accessToken).
		SetBody(map[string]any{"query": query, "variables": variables}).
		Post(c.adminURL(shop, "graphql.json"))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("shopify request: %w", ctx.Err())
		}
		return nil, apperr.Upstream("shopify", err)
	}

	body := resp.Body()
	if resp.StatusCode() == http.StatusTooManyRequests {
		wait, _ := strconv.ParseFloat(resp.Header().Get("Retry-After"), 64)
		return nil, apperr.RateLimited("shopify", time.Duration(wait*float64(time.Second)), fmt.Errorf("http 429"))
	}
	if resp.IsError() {
		return nil, apperr.Upstream("shopify", fmt.Errorf("http %d: %s", resp.StatusCode(), truncate(resp.String(), 300)))
	}

	var out GraphQLResponse[T]
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperr.Upstream("shopify", fmt.Errorf("decode graphql response: %w", err))
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		throttled := false
		for _, e := range out.Errors {
			if e.Extensions.Code == "THROTTLED" {
				throttled = true
			}
			if e.Extensions.Code != "" {
				msgs = append(msgs, e.Message+" ("+e.Extensions.Code+")")
			} else {
				msgs = append(msgs, e.Message)
			}
		}
		cause := fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
		if throttled {
			return nil, apperr.RateLimited("shopify", throttleStatus(body).Wait(), cause)
		}
		return nil, apperr.Upstream("shopify", cause)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
