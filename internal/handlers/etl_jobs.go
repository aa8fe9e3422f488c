package handlers

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/samber/lo"

	"storepulse/internal/apperr"
	"storepulse/internal/etljobs"
)

const maxJobsPage = 100

type jobResponse struct {
	etljobs.Job
	Progress float64 `json:"progress"`
}

func jobView(j etljobs.Job) jobResponse {
	return jobResponse{Job: j, Progress: j.Progress()}
}

func (a *API) listJobs(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	limit, err := queryInt(req, "limit", 20)
	if err != nil {
		return a.fail(req, err)
	}
	if limit < 1 || limit > maxJobsPage {
		return a.fail(req, apperr.Validation("limit must be between 1 and %d", maxJobsPage))
	}
	jobs, err := a.Jobs.ListForBrand(ctx, brandID, int32(limit))
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{
		"items": lo.Map(jobs, func(j etljobs.Job, _ int) jobResponse { return jobView(j) }),
	})
}

func (a *API) getJob(ctx context.Context, req events.APIGatewayV2HTTPRequest, jobID string) (events.APIGatewayV2HTTPResponse, error) {
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	j, err := a.Jobs.Get(ctx, brandID, jobID)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, jobView(j))
}
