package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"storepulse/internal/connections"
	"storepulse/internal/meta"
)

func (a *API) metaConnect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Meta == nil {
		return unavailable("meta")
	}
	brandID := query(req, "brand")
	sub, err := a.member(ctx, req, brandID)
	if err != nil {
		return a.fail(req, err)
	}
	state, err := a.States.Put(ctx, connections.State{
		UserSub:  sub,
		BrandID:  brandID,
		Platform: connections.Meta,
	})
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"authorizeUrl": a.Meta.OAuthURL(state)})
}

// metaCallback stores one connection per ad account the user can read,
// all sharing the long-lived user token.
func (a *API) metaCallback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Meta == nil {
		return unavailable("meta")
	}
	if reason := query(req, "error"); reason != "" {
		// the user cancelled the dialog; state is left to expire
		return redirect(a.frontendURL("/integrations?platform=meta&error=" + url.QueryEscape(reason)))
	}
	code := query(req, "code")
	if code == "" {
		return errResp(http.StatusBadRequest, "missing required oauth params")
	}
	st, err := a.States.Take(ctx, query(req, "state"), connections.Meta)
	if err != nil {
		return a.fail(req, err)
	}
	log := a.log().WithField("brand_id", st.BrandID)

	short, err := a.Meta.ExchangeCode(ctx, code)
	if err != nil {
		return a.fail(req, err)
	}
	tok, err := a.Meta.ExchangeLongLived(ctx, short.AccessToken)
	if err != nil {
		log.WithError(err).Warn("long-lived token exchange failed, keeping short-lived token")
		tok = short
	}
	var expires string
	if at := tok.ExpiresAt(a.clock()); !at.IsZero() {
		expires = at.UTC().Format(time.RFC3339)
	}

	accounts, err := a.Meta.AdAccounts(ctx, tok.AccessToken)
	if err != nil {
		return a.fail(req, err)
	}
	for _, acct := range accounts {
		if _, err := a.Connections.Save(ctx, connections.Connection{
			BrandID:        st.BrandID,
			Platform:       connections.Meta,
			ExternalID:     meta.NormalizeAccountID(acct.ID),
			Name:           acct.Name,
			Currency:       acct.Currency,
			TokenExpiresAt: expires,
			ConnectedBy:    st.UserSub,
		}, tok.AccessToken); err != nil {
			return a.fail(req, err)
		}
	}
	log.WithFields(logrus.Fields{"accounts": len(accounts)}).Info("meta connected")
	return redirect(a.frontendURL("/integrations?platform=meta&connected=" + strconv.Itoa(len(accounts))))
}

func (a *API) metaAccounts(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	items, err := a.Connections.List(ctx, brandID, connections.Meta)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"items": items})
}

func (a *API) metaDisconnect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	brandID := query(req, "brand")
	if _, err := a.member(ctx, req, brandID); err != nil {
		return a.fail(req, err)
	}
	account := meta.NormalizeAccountID(query(req, "account"))
	if account == "" {
		return errResp(http.StatusBadRequest, "account is required")
	}
	if err := a.Connections.Delete(ctx, brandID, connections.Meta, account); err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusOK, map[string]any{"ok": true})
}

type backfillRequest struct {
	Brand     string `json:"brand"`
	AccountID string `json:"accountId"`
}

func (a *API) metaBackfill(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if a.Backfill == nil {
		return unavailable("meta backfill")
	}
	var body backfillRequest
	if err := decodeBody(req, &body); err != nil {
		return a.fail(req, err)
	}
	if _, err := a.member(ctx, req, body.Brand); err != nil {
		return a.fail(req, err)
	}
	job, err := a.Backfill.StartBackfill(ctx, body.Brand, body.AccountID)
	if err != nil {
		return a.fail(req, err)
	}
	return jsonResp(http.StatusAccepted, jobView(job))
}
