package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"storepulse/internal/db"
	"storepulse/internal/meta"
	"storepulse/internal/metrics"
)

// insightItem is keyed PK=BRAND#<id>, SK=INSIGHT#<date>#<level>#<object>,
// so a date range is one BETWEEN query and re-pulls overwrite in place.
type insightItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	metrics.AdInsight
	SyncedAt string `dynamodbav:"SyncedAt"`
}

type campaignItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	meta.Campaign
	SyncedAt string `dynamodbav:"SyncedAt"`
}

type Ads struct {
	ddb   db.DynamoAPI
	table string
	now   func() time.Time
}

func NewAds(ddb db.DynamoAPI, table string) *Ads {
	return &Ads{ddb: ddb, table: table, now: time.Now}
}

func insightSK(row metrics.AdInsight) string {
	return fmt.Sprintf("INSIGHT#%s#%s#%s", row.Date, row.Level, row.ObjectID)
}

// PutAdInsights batch-writes insight rows, 25 per request.
func (s *Ads) PutAdInsights(ctx context.Context, brandID string, rows []metrics.AdInsight) error {
	if len(rows) == 0 {
		return nil
	}
	synced := s.now().UTC().Format(time.RFC3339)
	items := make([]map[string]types.AttributeValue, 0, len(rows))
	for _, row := range rows {
		av, err := attributevalue.MarshalMap(insightItem{
			PK:        brandPK(brandID),
			SK:        insightSK(row),
			AdInsight: row,
			SyncedAt:  synced,
		})
		if err != nil {
			return err
		}
		items = append(items, av)
	}
	return db.BatchPut(ctx, s.ddb, s.table, items)
}

// AdInsights returns the brand's insight rows dated inside r.
func (s *Ads) AdInsights(ctx context.Context, brandID string, r metrics.DateRange) ([]metrics.AdInsight, error) {
	items, err := db.QueryAll(ctx, s.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   db.AttrS(brandPK(brandID)),
			":from": db.AttrS("INSIGHT#" + r.FromDate()),
			":to":   db.AttrS("INSIGHT#" + r.ToDate() + "#~"),
		},
	})
	if err != nil {
		return nil, err
	}
	var rows []insightItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, err
	}
	return lo.FilterMap(rows, func(it insightItem, _ int) (metrics.AdInsight, bool) {
		return it.AdInsight, r.ContainsDate(it.Date)
	}), nil
}

func (s *Ads) PutCampaigns(ctx context.Context, brandID string, campaigns []meta.Campaign) error {
	synced := s.now().UTC().Format(time.RFC3339)
	items := make([]map[string]types.AttributeValue, 0, len(campaigns))
	for _, c := range campaigns {
		av, err := attributevalue.MarshalMap(campaignItem{
			PK:       brandPK(brandID),
			SK:       fmt.Sprintf("CAMPAIGN#%s#%s", c.AccountID, c.ID),
			Campaign: c,
			SyncedAt: synced,
		})
		if err != nil {
			return err
		}
		items = append(items, av)
	}
	return db.BatchPut(ctx, s.ddb, s.table, items)
}

// Campaigns lists stored campaigns, optionally for one ad account.
func (s *Ads) Campaigns(ctx context.Context, brandID, accountID string) ([]meta.Campaign, error) {
	items, err := db.QueryAll(ctx, s.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     db.AttrS(brandPK(brandID)),
			":prefix": db.AttrS("CAMPAIGN#" + accountID),
		},
	})
	if err != nil {
		return nil, err
	}
	var rows []campaignItem
	if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(it campaignItem, _ int) meta.Campaign { return it.Campaign }), nil
}
