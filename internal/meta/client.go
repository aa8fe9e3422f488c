// Package meta talks to the Meta (Facebook) Marketing API.
package meta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"storepulse/internal/apperr"
)

const (
	DefaultGraphURL  = "https://graph.facebook.com"
	DefaultDialogURL = "https://www.facebook.com"
	DefaultVersion   = "v21.0"
)

type Config struct {
	AppID       string
	AppSecret   string
	GraphURL    string
	DialogURL   string
	Version     string
	Scopes      []string
	RedirectURI string
	Timeout     time.Duration
}

type Client struct {
	cfg  Config
	http *resty.Client
	// OnUsage receives the quota usage reported by every response.
	OnUsage func(Usage)
}

func NewClient(cfg Config) *Client {
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	if cfg.DialogURL == "" {
		cfg.DialogURL = DefaultDialogURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.GraphURL, "/") + "/" + cfg.Version).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{cfg: cfg, http: h}
}

// OAuthURL is the Facebook login dialog the user is redirected to.
func (c *Client) OAuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.AppID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("response_type", "code")
	if len(c.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(c.cfg.Scopes, ","))
	}
	return fmt.Sprintf("%s/%s/dialog/oauth?%s", strings.TrimRight(c.cfg.DialogURL, "/"), c.cfg.Version, q.Encode())
}

func (c *Client) appSecretProof(token string) string {
	m := hmac.New(sha256.New, []byte(c.cfg.AppSecret))
	m.Write([]byte(token))
	return hex.EncodeToString(m.Sum(nil))
}

func (c *Client) request(ctx context.Context, token string) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if token != "" {
		r.SetQueryParam("access_token", token)
		if c.cfg.AppSecret != "" {
			r.SetQueryParam("appsecret_proof", c.appSecretProof(token))
		}
	}
	return r
}

// get runs a GET and turns Graph errors into typed errors. path may be an
// absolute paging URL.
func (c *Client) get(ctx context.Context, r *resty.Request, path string) ([]byte, error) {
	resp, err := r.Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("meta request: %w", ctx.Err())
		}
		return nil, apperr.Upstream("meta", err)
	}

	usage := ParseUsage(resp.Header())
	if c.OnUsage != nil {
		c.OnUsage(usage)
	}

	if resp.IsError() || gjson.GetBytes(resp.Body(), "error").Exists() {
		ge := parseGraphError(resp.StatusCode(), resp.Body())
		if ge.IsRateLimit() {
			return nil, apperr.RateLimited("meta", usage.RetryAfter(), ge)
		}
		return nil, apperr.Upstream("meta", ge)
	}
	return resp.Body(), nil
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (t Token) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

func (c *Client) exchange(ctx context.Context, params map[string]string) (Token, error) {
	body, err := c.get(ctx, c.request(ctx, "").SetQueryParams(params), "/oauth/access_token")
	if err != nil {
		return Token{}, err
	}
	tok := Token{
		AccessToken: gjson.GetBytes(body, "access_token").String(),
		TokenType:   gjson.GetBytes(body, "token_type").String(),
		ExpiresIn:   gjson.GetBytes(body, "expires_in").Int(),
	}
	if tok.AccessToken == "" {
		return Token{}, apperr.Upstream("meta", fmt.Errorf("token exchange returned no access_token"))
	}
	return tok, nil
}

// ExchangeCode trades the OAuth callback code for a short-lived user token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (Token, error) {
	return c.exchange(ctx, map[string]string{
		"client_id":     c.cfg.AppID,
		"client_secret": c.cfg.AppSecret,
		"redirect_uri":  c.cfg.RedirectURI,
		"code":          code,
	})
}

// ExchangeLongLived upgrades a short-lived token to a ~60 day token.
func (c *Client) ExchangeLongLived(ctx context.Context, shortToken string) (Token, error) {
	return c.exchange(ctx, map[string]string{
		"grant_type":        "fb_exchange_token",
		"client_id":         c.cfg.AppID,
		"client_secret":     c.cfg.AppSecret,
		"fb_exchange_token": shortToken,
	})
}

// pages follows paging.next until it runs out, calling fn with each data element.
func (c *Client) pages(ctx context.Context, first *resty.Request, path string, fn func(gjson.Result)) error {
	body, err := c.get(ctx, first, path)
	for {
		if err != nil {
			return err
		}
		gjson.GetBytes(body, "data").ForEach(func(_, v gjson.Result) bool {
			fn(v)
			return true
		})
		next := gjson.GetBytes(body, "paging.next").String()
		if next == "" {
			return nil
		}
		body, err = c.get(ctx, c.http.R().SetContext(ctx), next)
	}
}
