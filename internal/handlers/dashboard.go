package handlers

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"storepulse/internal/apperr"
	"storepulse/internal/metrics"
)

const defaultPreset = "last7"

// resolveRange takes explicit from/to dates over a preset. With neither it
// falls back to the last 7 days.
func (a *API) resolveRange(from, to, preset string) (metrics.DateRange, error) {
	switch {
	case from != "" || to != "":
		if from == "" || to == "" {
			return metrics.DateRange{}, apperr.Validation("from and to must be given together")
		}
		return metrics.ParseRange(from, to)
	case preset != "":
		return metrics.RangeFor(a.clock(), preset)
	default:
		return metrics.RangeFor(a.clock(), defaultPreset)
	}
}

// load reads one range's orders, refunds and ad rows concurrently.
func (a *API) load(ctx context.Context, brandID string, r metrics.DateRange) (metrics.Inputs, error) {
	var in metrics.Inputs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		in.Orders, in.Refunds, err = a.Orders.Range(gctx, brandID, r)
		return err
	})
	g.Go(func() error {
		var err error
		in.Ads, err = a.Ads.AdInsights(gctx, brandID, r)
		return err
	})
	return in, g.Wait()
}

func (a *API) dashboard(ctx context.Context, brandID string, r metrics.DateRange, compare bool) (metrics.Dashboard, error) {
	cur, err := a.load(ctx, brandID, r)
	if err != nil {
		return metrics.Dashboard{}, err
	}
	var prev *metrics.Inputs
	if compare {
		p, err := a.load(ctx, brandID, r.Previous())
		if err != nil {
			return metrics.Dashboard{}, err
		}
		prev = &p
	}
	return metrics.BuildDashboard(cur, prev, r), nil
}

func (a *API) dashboardMetrics(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	r, err := a.resolveRange(query(req, "from"), query(req, "to"), query(req, "preset"))
	if err != nil {
		return a.fail(req, err)
	}
	d, err := a.dashboard(ctx, brandID, r, queryBool(req, "compare"))
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, d)
}

type insightsRequest struct {
	Brand  string `json:"brand"`
	From   string `json:"from"`
	To     string `json:"to"`
	Preset string `json:"preset"`
}

func (a *API) generateInsights(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Insights == nil {
		return unavailable("insights")
	}
	var body insightsRequest
	if err := decodeBody(req, &body); err != nil {
		return a.fail(req, err)
	}
	if _, err := a.member(ctx, req, body.Brand); err != nil {
		return a.fail(req, err)
	}
	r, err := a.resolveRange(body.From, body.To, body.Preset)
	if err != nil {
		return a.fail(req, err)
	}
	brand, err := a.Brands.Get(ctx, body.Brand)
	if err != nil {
		return a.fail(req, err)
	}
	d, err := a.dashboard(ctx, body.Brand, r, true)
	if err != nil {
		return a.fail(req, err)
	}
	res, err := a.Insights.Generate(ctx, body.Brand, brand.Name, r, d)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, res)
}
