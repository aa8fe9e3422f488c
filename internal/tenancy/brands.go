// Package tenancy owns brands (tenants), their members, and which Shopify
// shops feed which brand.
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
	"github.com/google/uuid"
	"github.com/samber/lo"

	"storepulse/internal/apperr"
	"storepulse/internal/db"
)

const (
	RoleOwner  = "owner"
	RoleMember = "member"

	brandSK      = "META"
	memberPrefix = "MEMBER#"
)

type Brand struct {
	PK        string `dynamodbav:"PK" json:"-"`
	SK        string `dynamodbav:"SK" json:"-"`
	BrandID   string `dynamodbav:"BrandId" json:"id"`
	Name      string `dynamodbav:"Name" json:"name"`
	Currency  string `dynamodbav:"Currency,omitempty" json:"currency,omitempty"`
	CreatedBy string `dynamodbav:"CreatedBy" json:"createdBy"`
	CreatedAt string `dynamodbav:"CreatedAt" json:"createdAt"`
}

type member struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	BrandID   string `dynamodbav:"BrandId"`
	UserSub   string `dynamodbav:"UserSub"`
	Role      string `dynamodbav:"Role"`
	CreatedAt string `dynamodbav:"CreatedAt"`
}

func BrandPK(id string) string { return "BRAND#" + id }

// Brands stores brand rows and member rows in one table. Member rows carry
// UserSub, which GSI_UserSub indexes.
type Brands struct {
	ddb       db.DynamoAPI
	table     string
	userIndex string
	now       func() time.Time
}

func NewBrands(ddb db.DynamoAPI, table, userIndex string) *Brands {
	if userIndex == "" {
		userIndex = "GSI_UserSub"
	}
	return &Brands{ddb: ddb, table: table, userIndex: userIndex, now: time.Now}
}

func (b *Brands) Create(ctx context.Context, ownerSub, name, currency string) (Brand, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Brand{}, apperr.Validation("brand name is required")
	}
	if strings.TrimSpace(ownerSub) == "" {
		return Brand{}, apperr.Unauthorized("missing user")
	}
	id := uuid.NewString()
	now := b.now().UTC().Format(time.RFC3339)
	br := Brand{
		PK:        BrandPK(id),
		SK:        brandSK,
		BrandID:   id,
		Name:      name,
		Currency:  strings.ToUpper(strings.TrimSpace(currency)),
		CreatedBy: ownerSub,
		CreatedAt: now,
	}
	av, err := attributevalue.MarshalMap(br)
	if err != nil {
		return Brand{}, err
	}
	if _, err := b.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}); err != nil {
		return Brand{}, fmt.Errorf("put brand: %w", err)
	}
	if err := b.AddMember(ctx, id, ownerSub, RoleOwner); err != nil {
		return Brand{}, err
	}
	return br, nil
}

// AddMember grants a user access to a brand. Re-adding is a no-op.
func (b *Brands) AddMember(ctx context.Context, brandID, sub, role string) error {
	m := member{
		PK:        BrandPK(brandID),
		SK:        memberPrefix + sub,
		BrandID:   brandID,
		UserSub:   sub,
		Role:      role,
		CreatedAt: b.now().UTC().Format(time.RFC3339),
	}
	av, err := attributevalue.MarshalMap(m)
	if err != nil {
		return err
	}
	_, err = b.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(b.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil && !db.IsConditionFailed(err) {
		return fmt.Errorf("put brand member: %w", err)
	}
	return nil
}

func (b *Brands) Get(ctx context.Context, brandID string) (Brand, error) {
	out, err := b.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.table),
		Key:       db.Key(BrandPK(brandID), brandSK),
	})
	if err != nil {
		return Brand{}, fmt.Errorf("get brand: %w", err)
	}
	if out.Item == nil {
		return Brand{}, apperr.NotFound("brand", brandID)
	}
	var br Brand
	if err := attributevalue.UnmarshalMap(out.Item, &br); err != nil {
		return Brand{}, err
	}
	return br, nil
}

// ListForUser returns every brand the user is a member of.
func (b *Brands) ListForUser(ctx context.Context, sub string) ([]Brand, error) {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return nil, apperr.Unauthorized("missing user")
	}
	items, err := db.QueryAll(ctx, b.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		IndexName:              aws.String(b.userIndex),
		KeyConditionExpression: aws.String("UserSub = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": db.AttrS(sub),
		},
	})
	if err != nil {
		return nil, err
	}
	ids := lo.Uniq(lo.FilterMap(items, func(it map[string]types.AttributeValue, _ int) (string, bool) {
		id := db.S(it["BrandId"])
		return id, id != ""
	}))

	brands := make([]Brand, 0, len(ids))
	for _, id := range ids {
		br, err := b.Get(ctx, id)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		brands = append(brands, br)
	}
	return brands, nil
}

// RequireMember fails with Forbidden unless sub belongs to the brand.
func (b *Brands) RequireMember(ctx context.Context, sub, brandID string) error {
	if strings.TrimSpace(brandID) == "" {
		return apperr.Validation("brand is required")
	}
	if strings.TrimSpace(sub) == "" {
		return apperr.Unauthorized("missing user")
	}
	out, err := b.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.table),
		Key:       db.Key(BrandPK(brandID), memberPrefix+sub),
	})
	if err != nil {
		return fmt.Errorf("get brand member: %w", err)
	}
	if out.Item == nil {
		return apperr.Forbidden("not a member of this brand")
	}
	return nil
}

// MembersOf lists the user subs with access to a brand.
func (b *Brands) MembersOf(ctx context.Context, brandID string) ([]string, error) {
	items, err := db.QueryAll(ctx, b.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     db.AttrS(BrandPK(brandID)),
			":prefix": db.AttrS(memberPrefix),
		},
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(items, func(it map[string]types.AttributeValue, _ int) string {
		return strings.TrimPrefix(db.S(it["SK"]), memberPrefix)
	}), nil
}

// AllBrandIDs scans for every brand. Only scheduled jobs call it.
func (b *Brands) AllBrandIDs(ctx context.Context) ([]string, error) {
	items, err := db.ScanAll(ctx, b.ddb, &dynamodb.ScanInput{
		TableName:        aws.String(b.table),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": db.AttrS(brandSK),
		},
		ProjectionExpression: aws.String("BrandId, SK"),
	})
	if err != nil {
		return nil, err
	}
	ids := lo.FilterMap(items, func(it map[string]types.AttributeValue, _ int) (string, bool) {
		return db.S(it["BrandId"]), db.S(it["SK"]) == brandSK
	})
	return lo.Uniq(ids), nil
}
