package shopify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"storepulse/internal/db"
)

// DedupeTTL is how long a webhook id is remembered.
const DedupeTTL = 7 * 24 * time.Hour

// Deduper drops webhook redeliveries by claiming X-Shopify-Webhook-Id.
// A Deduper with no table never reports duplicates.
type Deduper struct {
	ddb   db.DynamoAPI
	table string
	now   func() time.Time
}

func NewDeduper(ddb db.DynamoAPI, table string) *Deduper {
	return &Deduper{ddb: ddb, table: strings.TrimSpace(table), now: time.Now}
}

func dedupeKey(webhookID, scope string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": db.AttrS(fmt.Sprintf("WH#%s#%s", scope, webhookID))}
}

// Claim returns true when the webhook was already claimed. scope separates
// consumers of the same event (orders worker, alerts).
func (d *Deduper) Claim(ctx context.Context, ev Event, scope string) (bool, error) {
	id := strings.TrimSpace(ev.WebhookID)
	if d == nil || d.table == "" || id == "" {
		return false, nil
	}
	item := dedupeKey(id, scope)
	item["Shop"] = db.AttrS(ev.Shop)
	item["Topic"] = db.AttrS(ev.Topic)
	item["CreatedAt"] = db.AttrS(d.now().UTC().Format(time.RFC3339))
	item["ExpiresAt"] = db.AttrN(d.now().UTC().Add(DedupeTTL).Unix())

	_, err := d.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if db.IsConditionFailed(err) {
			return true, nil
		}
		return false, fmt.Errorf("claim webhook %s: %w", id, err)
	}
	return false, nil
}

// Release forgets a claim so an SQS retry of a failed event is processed.
func (d *Deduper) Release(ctx context.Context, ev Event, scope string) error {
	id := strings.TrimSpace(ev.WebhookID)
	if d == nil || d.table == "" || id == "" {
		return nil
	}
	_, err := d.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       dedupeKey(id, scope),
	})
	return err
}
