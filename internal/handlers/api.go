// Package handlers is the HTTP API behind API Gateway (HTTP API, payload
// v2). Every route except /health and the OAuth callbacks requires the
// Cognito JWT authorizer.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"storepulse/internal/apperr"
	"storepulse/internal/connections"
	"storepulse/internal/etljobs"
	"storepulse/internal/insights"
	"storepulse/internal/logging"
	"storepulse/internal/meta"
	"storepulse/internal/metrics"
	"storepulse/internal/shopify"
	"storepulse/internal/store"
	"storepulse/internal/tenancy"
)

// ShopifyOAuth is the part of *shopify.Client the connect flow uses.
type ShopifyOAuth interface {
	AuthorizeURL(shop, state, redirectURI string) string
	ExchangeCode(ctx context.Context, shop, code string) (shopify.Token, error)
	SubscribeEventBridgeTopics(ctx context.Context, shop, accessToken, eventSourceARN string) ([]string, map[string]string)
}

type OrderSyncer interface {
	SyncOrders(ctx context.Context, brandID, shop string, limit int) (shopify.SyncResult, error)
}

// MetaOAuth is the part of *meta.Client the connect flow uses.
type MetaOAuth interface {
	OAuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (meta.Token, error)
	ExchangeLongLived(ctx context.Context, shortToken string) (meta.Token, error)
	AdAccounts(ctx context.Context, token string) ([]meta.AdAccount, error)
}

type Backfiller interface {
	StartBackfill(ctx context.Context, brandID, accountID string) (etljobs.Job, error)
}

type InsightGenerator interface {
	Generate(ctx context.Context, brandID, brandName string, r metrics.DateRange, d metrics.Dashboard) (insights.Result, error)
}

type AlertSubscriber interface {
	EnsureUserEmailAlerts(ctx context.Context, sub, email string) (string, error)
	GetAlertsTopicArn(ctx context.Context, sub string) (string, error)
}

// Settings are the non-secret values the routes need from config.
type Settings struct {
	FrontendBaseURL       string
	ShopifyAPISecret      string
	ShopifyRedirectURI    string
	ShopifyEventSourceARN string
}

// API routes requests to the stores and platform clients. Optional
// dependencies left nil make their routes answer 503.
type API struct {
	Brands      *tenancy.Brands
	Shops       *tenancy.Shops
	Connections *connections.Store
	States      *connections.StateStore
	Jobs        *etljobs.Store
	Orders      *store.Orders
	Ads         *store.Ads

	Shopify  ShopifyOAuth
	Syncer   OrderSyncer
	Meta     MetaOAuth
	Backfill Backfiller
	Insights InsightGenerator
	Alerts   AlertSubscriber

	Settings Settings
	Log      *logrus.Entry
	now      func() time.Time
}

func (a *API) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *API) log() *logrus.Entry {
	if a.Log != nil {
		return a.Log
	}
	return logging.Named("api")
}

type route func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

// Handle is the Lambda entry point.
func (a *API) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := req.RequestContext.HTTP.Method
	if method == http.MethodOptions {
		return jsonResp(http.StatusNoContent, nil)
	}
	path := strings.TrimRight(req.RawPath, "/")

	var h route
	switch path {
	case "/health":
		h = a.health
	case "/brands":
		h = byMethod(method, map[string]route{http.MethodGet: a.listBrands, http.MethodPost: a.createBrand})
	case "/integrations/shopify/connect":
		h = byMethod(method, map[string]route{http.MethodGet: a.shopifyConnect})
	case "/integrations/shopify/callback":
		h = byMethod(method, map[string]route{http.MethodGet: a.shopifyCallback})
	case "/integrations/shopify/shops":
		h = byMethod(method, map[string]route{http.MethodGet: a.shopifyListShops, http.MethodDelete: a.shopifyDisconnect})
	case "/integrations/shopify/sync":
		h = byMethod(method, map[string]route{http.MethodPost: a.shopifySync})
	case "/integrations/meta/connect":
		h = byMethod(method, map[string]route{http.MethodGet: a.metaConnect})
	case "/integrations/meta/callback":
		h = byMethod(method, map[string]route{http.MethodGet: a.metaCallback})
	case "/integrations/meta/accounts":
		h = byMethod(method, map[string]route{http.MethodGet: a.metaAccounts, http.MethodDelete: a.metaDisconnect})
	case "/integrations/meta/backfill":
		h = byMethod(method, map[string]route{http.MethodPost: a.metaBackfill})
	case "/etl/jobs":
		h = byMethod(method, map[string]route{http.MethodGet: a.listJobs})
	case "/dashboard/metrics":
		h = byMethod(method, map[string]route{http.MethodGet: a.dashboardMetrics})
	case "/insights":
		h = byMethod(method, map[string]route{http.MethodPost: a.generateInsights})
	case "/alerts":
		h = byMethod(method, map[string]route{http.MethodGet: a.getAlerts, http.MethodPost: a.subscribeAlerts})
	default:
		if id, ok := strings.CutPrefix(path, "/etl/jobs/"); ok && id != "" && !strings.Contains(id, "/") {
			h = byMethod(method, map[string]route{http.MethodGet: func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
				return a.getJob(ctx, req, id)
			}})
			break
		}
		return errResp(http.StatusNotFound, "not found")
	}
	return h(ctx, req)
}

func byMethod(method string, routes map[string]route) route {
	if h, ok := routes[method]; ok {
		return h
	}
	return func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		return errResp(http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) health(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(http.StatusOK, map[string]any{"ok": true, "service": "storepulse"})
}

func userSub(req events.APIGatewayV2HTTPRequest) (string, string, error) {
	// HTTP API JWT authorizer claims live in RequestContext.Authorizer.JWT.Claims
	if req.RequestContext.Authorizer == nil || req.RequestContext.Authorizer.JWT == nil {
		return "", "", apperr.Unauthorized("missing authorizer claims")
	}
	claims := req.RequestContext.Authorizer.JWT.Claims
	sub := strings.TrimSpace(claims["sub"])
	if sub == "" {
		return "", "", apperr.Unauthorized("missing sub")
	}
	return sub, strings.TrimSpace(claims["email"]), nil
}

// member authenticates the caller and checks access to the requested brand.
func (a *API) member(ctx context.Context, req events.APIGatewayV2HTTPRequest, brandID string) (string, error) {
	sub, _, err := userSub(req)
	if err != nil {
		return "", err
	}
	if err := a.Brands.RequireMember(ctx, sub, strings.TrimSpace(brandID)); err != nil {
		return "", err
	}
	return sub, nil
}

func jsonResp(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	resp := events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type":                "application/json",
			"access-control-allow-origin": "*",
		},
	}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return errResp(http.StatusInternalServerError, "encode response")
		}
		resp.Body = string(b)
	}
	return resp, nil
}

func errResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(status, map[string]any{
		"error": msg,
	})
}

// fail turns an error into its API response. Server-side failures are
// logged; their detail never reaches the caller.
func (a *API) fail(req events.APIGatewayV2HTTPRequest, err error) (events.APIGatewayV2HTTPResponse, error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		a.log().WithError(err).WithFields(logrus.Fields{
			"path":   req.RawPath,
			"method": req.RequestContext.HTTP.Method,
		}).Error("request failed")
	}
	resp, _ := errResp(status, apperr.PublicMessage(err))
	if d, ok := apperr.RetryAfter(err); ok && d > 0 {
		resp.Headers["retry-after"] = strconv.Itoa(int(d.Round(time.Second) / time.Second))
	}
	return resp, nil
}

func unavailable(what string) (events.APIGatewayV2HTTPResponse, error) {
	return errResp(http.StatusServiceUnavailable, what+" is not configured")
}

func redirect(location string) (events.APIGatewayV2HTTPResponse, error) {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusFound,
		Headers:    map[string]string{"location": location},
	}, nil
}

// frontendURL joins FRONTEND_BASE_URL with a path. Unset, it stays relative.
func (a *API) frontendURL(path string) string {
	fe := strings.TrimRight(a.Settings.FrontendBaseURL, "/")
	return fe + path
}

func decodeBody(req events.APIGatewayV2HTTPRequest, dst any) error {
	body := req.Body
	if req.IsBase64Encoded {
		return apperr.Validation("base64 bodies are not accepted")
	}
	if strings.TrimSpace(body) == "" {
		return apperr.Validation("request body is required")
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return apperr.Validation("invalid json at offset %d", syn.Offset)
		}
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}

func query(req events.APIGatewayV2HTTPRequest, name string) string {
	return strings.TrimSpace(req.QueryStringParameters[name])
}

func queryInt(req events.APIGatewayV2HTTPRequest, name string, def int) (int, error) {
	v := query(req, name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}

func queryBool(req events.APIGatewayV2HTTPRequest, name string) bool {
	b, _ := strconv.ParseBool(query(req, name))
	return b
}
