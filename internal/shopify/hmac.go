package shopify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ValidShopDomain accepts only <name>.myshopify.com hosts.
func ValidShopDomain(shop string) bool {
	if !strings.HasSuffix(shop, ".myshopify.com") {
		return false
	}
	if strings.ContainsAny(shop, "/ :?#@") {
		return false
	}
	return len(shop) >= len("a.myshopify.com")
}

// VerifyOAuthHMAC checks the hmac query parameter of an OAuth callback:
// the remaining params sorted as k=v joined by '&', hex HMAC-SHA256.
func VerifyOAuthHMAC(params map[string]string, secret string) bool {
	provided := strings.ToLower(strings.TrimSpace(params["hmac"]))
	if provided == "" || secret == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "hmac" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, params[k]))
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "&")))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// VerifyWebhookHMAC checks X-Shopify-Hmac-Sha256 (base64) over the raw body.
func VerifyWebhookHMAC(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(header)))
}
