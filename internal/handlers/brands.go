package handlers

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

type createBrandRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

func (a *API) listBrands(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return a.fail(req, err)
	}
	brands, err := a.Brands.ListForUser(ctx, sub)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"items": brands})
}

func (a *API) createBrand(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return a.fail(req, err)
	}
	var body createBrandRequest
	if err := decodeBody(req, &body); err != nil {
		return a.fail(req, err)
	}
	br, err := a.Brands.Create(ctx, sub, body.Name, body.Currency)
	if err != nil {
		return a.fail(req, err)
	}
	a.log().WithField("brand_id", br.BrandID).Info("brand created")
	return jsonResp(http.StatusCreated, br)
}
