package handlers

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

func (a *API) getAlerts(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Alerts == nil {
		return unavailable("alerts")
	}
	sub, _, err := userSub(req)
	if err != nil {
		return a.fail(req, err)
	}
	arn, err := a.Alerts.GetAlertsTopicArn(ctx, sub)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"enabled": arn != "", "topicArn": arn})
}

// subscribeAlerts sends an SNS confirmation mail to the caller's token
// email; alerts start once the user confirms it.
func (a *API) subscribeAlerts(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Alerts == nil {
		return unavailable("alerts")
	}
	sub, email, err := userSub(req)
	if err != nil {
		return a.fail(req, err)
	}
	arn, err := a.Alerts.EnsureUserEmailAlerts(ctx, sub, email)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"enabled": true, "topicArn": arn})
}
