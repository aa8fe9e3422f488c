// Package shopify talks to the Shopify Admin API and turns Shopify webhook
// events into stored orders and refunds.
package shopify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"storepulse/internal/apperr"
)

const DefaultAPIVersion = "2026-01"

type Config struct {
	APIKey     string
	APISecret  string
	Scopes     string
	APIVersion string
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	http *resty.Client
	// endpoint maps a shop domain to its base URL.
	endpoint func(shop string) string
}

func NewClient(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		http:     resty.New().SetTimeout(cfg.Timeout).SetHeader("Content-Type", "application/json"),
		endpoint: func(shop string) string { return "https://" + shop },
	}
}

func (c *Client) APIVersion() string { return c.cfg.APIVersion }

func (c *Client) adminURL(shop, path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.endpoint(shop), c.cfg.APIVersion, strings.TrimLeft(path, "/"))
}

// AuthorizeURL is where the merchant approves the app install.
func (c *Client) AuthorizeURL(shop, state, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.APIKey)
	q.Set("scope", c.cfg.Scopes)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return c.endpoint(shop) + "/admin/oauth/authorize?" + q.Encode()
}

type Token struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
}

// ExchangeCode trades the OAuth callback code for an offline access token.
func (c *Client) ExchangeCode(ctx context.Context, shop, code string) (Token, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"client_id":     c.cfg.APIKey,
			"client_secret": c.cfg.APISecret,
			"code":          code,
		}).
		Post(c.endpoint(shop) + "/admin/oauth/access_token")
	if err != nil {
		return Token{}, apperr.Upstream("shopify", err)
	}
	if resp.IsError() {
		return Token{}, apperr.Upstream("shopify", fmt.Errorf("token exchange failed: http %d: %s", resp.StatusCode(), resp.String()))
	}
	tok := Token{
		AccessToken: gjson.GetBytes(resp.Body(), "access_token").String(),
		Scope:       gjson.GetBytes(resp.Body(), "scope").String(),
	}
	if tok.AccessToken == "" {
		return Token{}, apperr.Upstream("shopify", fmt.Errorf("invalid token response"))
	}
	return tok, nil
}
