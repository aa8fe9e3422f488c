package tenancy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"storepulse/internal/db"
)

type shopLink struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Shop      string `dynamodbav:"Shop"`
	BrandID   string `dynamodbav:"BrandId"`
	CreatedAt string `dynamodbav:"CreatedAt"`
}

// Shops maps Shopify shop domains to brands so webhooks can be routed.
// Rows are PK=SHOP#<domain>, SK=BRAND#<id>; GSI_BrandId indexes BrandId.
type Shops struct {
	ddb        db.DynamoAPI
	table      string
	brandIndex string
}

func NewShops(ddb db.DynamoAPI, table, brandIndex string) *Shops {
	if brandIndex == "" {
		brandIndex = "GSI_BrandId"
	}
	return &Shops{ddb: ddb, table: table, brandIndex: brandIndex}
}

// NormalizeShop lowercases and trims a shop domain.
func NormalizeShop(shop string) string {
	return strings.ToLower(strings.TrimSpace(shop))
}

func shopPK(shop string) string { return "SHOP#" + NormalizeShop(shop) }

func (s *Shops) MapShop(ctx context.Context, shop, brandID string) error {
	av, err := attributevalue.MarshalMap(shopLink{
		PK:        shopPK(shop),
		SK:        BrandPK(brandID),
		Shop:      NormalizeShop(shop),
		BrandID:   brandID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}); err != nil {
		return fmt.Errorf("map shop %s: %w", shop, err)
	}
	return nil
}

func (s *Shops) UnmapShop(ctx context.Context, shop, brandID string) error {
	if _, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       db.Key(shopPK(shop), BrandPK(brandID)),
	}); err != nil {
		return fmt.Errorf("unmap shop %s: %w", shop, err)
	}
	return nil
}

// BrandsForShop lists the brands a shop's webhooks fan out to.
func (s *Shops) BrandsForShop(ctx context.Context, shop string) ([]string, error) {
	if NormalizeShop(shop) == "" {
		return nil, fmt.Errorf("empty shop")
	}
	items, err := db.QueryAll(ctx, s.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     db.AttrS(shopPK(shop)),
			":prefix": db.AttrS("BRAND#"),
		},
	})
	if err != nil {
		return nil, err
	}
	return uniqueStrings(lo.Map(items, func(it map[string]types.AttributeValue, _ int) string {
		return db.S(it["BrandId"])
	})), nil
}

// ShopsForBrand lists the shop domains connected to a brand.
func (s *Shops) ShopsForBrand(ctx context.Context, brandID string) ([]string, error) {
	items, err := db.QueryAll(ctx, s.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.brandIndex),
		KeyConditionExpression: aws.String("BrandId = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": db.AttrS(brandID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.brandIndex, err)
	}
	return uniqueStrings(lo.Map(items, func(it map[string]types.AttributeValue, _ int) string {
		return db.S(it["Shop"])
	})), nil
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		k := strings.ToLower(strings.TrimSpace(v))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}
