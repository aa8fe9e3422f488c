package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"storepulse/internal/apperr"
	"storepulse/internal/connections"
	"storepulse/internal/shopify"
	"storepulse/internal/tenancy"
)

func (a *API) shopifyConnect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Shopify == nil {
		return unavailable("shopify")
	}
	brandID := query(req, "brand")
	sub, err := a.member(ctx, req, brandID)
	if err != nil {
		return a.fail(req, err)
	}

	shop := tenancy.NormalizeShop(query(req, "shop"))
	if !shopify.ValidShopDomain(shop) {
		return errResp(http.StatusBadRequest, "invalid shop (expected like your-store.myshopify.com)")
	}

	state, err := a.States.Put(ctx, connections.State{
		UserSub:  sub,
		BrandID:  brandID,
		Platform: connections.Shopify,
		Shop:     shop,
	})
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{
		"authorizeUrl": a.Shopify.AuthorizeURL(shop, state, a.Settings.ShopifyRedirectURI),
	})
}

// shopifyCallback is hit by the merchant's browser, so it has no JWT; the
// HMAC and the one-time state stand in for authentication.
func (a *API) shopifyCallback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Shopify == nil {
		return unavailable("shopify")
	}
	params := req.QueryStringParameters
	shop := tenancy.NormalizeShop(params["shop"])
	code := strings.TrimSpace(params["code"])
	state := strings.TrimSpace(params["state"])

	if !shopify.ValidShopDomain(shop) || code == "" || state == "" {
		return errResp(http.StatusBadRequest, "missing required oauth params")
	}
	if !shopify.VerifyOAuthHMAC(params, a.Settings.ShopifyAPISecret) {
		return errResp(http.StatusBadRequest, "invalid hmac")
	}

	st, err := a.States.Take(ctx, state, connections.Shopify)
	if err != nil {
		return a.fail(req, err)
	}
	if st.Shop != shop {
		return errResp(http.StatusBadRequest, "state mismatch")
	}

	tok, err := a.Shopify.ExchangeCode(ctx, shop, code)
	if err != nil {
		return a.fail(req, err)
	}
	if _, err := a.Connections.Save(ctx, connections.Connection{
		BrandID:     st.BrandID,
		Platform:    connections.Shopify,
		ExternalID:  shop,
		Name:        shop,
		Scope:       tok.Scope,
		ConnectedBy: st.UserSub,
	}, tok.AccessToken); err != nil {
		return a.fail(req, err)
	}
	if err := a.Shops.MapShop(ctx, shop, st.BrandID); err != nil {
		return a.fail(req, err)
	}

	log := a.log().WithFields(logrus.Fields{"brand_id": st.BrandID, "shop": shop})
	created, failed := a.Shopify.SubscribeEventBridgeTopics(ctx, shop, tok.AccessToken, a.Settings.ShopifyEventSourceARN)
	if len(failed) > 0 {
		log.WithField("failed", failed).Warn("some webhook subscriptions failed")
	}
	log.WithField("webhooks", created).Info("shopify connected")

	return redirect(a.frontendURL("/integrations?platform=shopify&connected=1&shop=" + url.QueryEscape(shop)))
}

func (a *API) shopifyListShops(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	items, err := a.Connections.List(ctx, brandID, connections.Shopify)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"items": items})
}

func (a *API) shopifyDisconnect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	shop := tenancy.NormalizeShop(query(req, "shop"))
	if !shopify.ValidShopDomain(shop) {
		return errResp(http.StatusBadRequest, "invalid shop")
	}
	if err := a.Connections.Delete(ctx, brandID, connections.Shopify, shop); err != nil {
		return a.fail(req, err)
	}
	// stop routing webhooks for this shop to the brand
	if err := a.Shops.UnmapShop(ctx, shop, brandID); err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"ok": true})
}

func (a *API) shopifySync(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Syncer == nil {
		return unavailable("shopify sync")
	}
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	shop := tenancy.NormalizeShop(query(req, "shop"))
	if !shopify.ValidShopDomain(shop) {
		return errResp(http.StatusBadRequest, "invalid shop")
	}
	limit, err := queryInt(req, "limit", shopify.DefaultSyncLimit)
	if err != nil {
		return a.fail(req, err)
	}
	if limit < 1 || limit > shopify.MaxSyncLimit {
		return a.fail(req, apperr.Validation("limit must be between 1 and %d", shopify.MaxSyncLimit))
	}

	res, err := a.Syncer.SyncOrders(ctx, brandID, shop, limit)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, res)
}
