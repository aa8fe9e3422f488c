package shopify

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// WebhookTopics are the Shopify topics routed to EventBridge on connect.
var WebhookTopics = []string{
	"orders/create",
	"orders/updated",
	"refunds/create",
}

// CreateEventBridgeWebhook points one Shopify topic at the EventBridge
// partner event source ARN and returns the webhook id.
func (c *Client) CreateEventBridgeWebhook(ctx context.Context, shop, accessToken, topic, eventSourceARN string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Shopify-Access-Token", accessToken).
		SetBody(map[string]any{
			"webhook": map[string]string{
				"address": eventSourceARN,
				"topic":   topic,
				"format":  "json",
			},
		}).
		Post(c.adminURL(shop, "webhooks.json"))
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		// 422 "address for this topic has already been taken" means it exists
		if resp.StatusCode() == 422 && gjson.GetBytes(resp.Body(), "errors.address").Exists() {
			return "", nil
		}
		return "", fmt.Errorf("create webhook failed: http %d: %s", resp.StatusCode(), truncate(resp.String(), 300))
	}
	return gjson.GetBytes(resp.Body(), "webhook.id").String(), nil
}

// SubscribeEventBridgeTopics subscribes a shop to every WebhookTopics entry.
// Failures are reported per topic; the connect flow still succeeds.
func (c *Client) SubscribeEventBridgeTopics(ctx context.Context, shop, accessToken, eventSourceARN string) (created []string, failed map[string]string) {
	if eventSourceARN == "" {
		return nil, nil
	}
	for _, t := range WebhookTopics {
		if _, err := c.CreateEventBridgeWebhook(ctx, shop, accessToken, t, eventSourceARN); err != nil {
			if failed == nil {
				failed = map[string]string{}
			}
			failed[t] = err.Error()
			continue
		}
		created = append(created, t)
	}
	return created, failed
}
