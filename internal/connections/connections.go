// Package connections stores the OAuth credentials that link a brand to a
// Shopify shop or a Meta ad account. Tokens are sealed before they are written.
package connections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	"storepulse/internal/apperr"
	"storepulse/internal/db"
)

type Platform string

const (
	Shopify Platform = "shopify"
	Meta    Platform = "meta"
)

func (p Platform) prefix() string { return strings.ToUpper(string(p)) + "#" }

func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case Shopify:
		return Shopify, nil
	case Meta:
		return Meta, nil
	}
	return "", apperr.Validation("unknown platform %q", s)
}

// Sealer encrypts tokens at rest. security.Sealer satisfies it.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Connection is one row, keyed PK=BRAND#<id>, SK=SHOPIFY#<shop> or META#<act_id>.
type Connection struct {
	PK                 string   `dynamodbav:"PK" json:"-"`
	SK                 string   `dynamodbav:"SK" json:"-"`
	BrandID            string   `dynamodbav:"BrandId" json:"brandId"`
	Platform           Platform `dynamodbav:"Platform" json:"platform"`
	ExternalID         string   `dynamodbav:"ExternalId" json:"externalId"`
	Name               string   `dynamodbav:"Name,omitempty" json:"name,omitempty"`
	Currency           string   `dynamodbav:"Currency,omitempty" json:"currency,omitempty"`
	AccessTokenEnc     string   `dynamodbav:"AccessTokenEnc" json:"-"`
	Scope              string   `dynamodbav:"Scope,omitempty" json:"scope,omitempty"`
	TokenExpiresAt     string   `dynamodbav:"TokenExpiresAt,omitempty" json:"tokenExpiresAt,omitempty"`
	ConnectedBy        string   `dynamodbav:"ConnectedBy,omitempty" json:"connectedBy,omitempty"`
	CreatedAt          string   `dynamodbav:"CreatedAt" json:"createdAt"`
	LastSyncAt         string   `dynamodbav:"LastSyncAt,omitempty" json:"lastSyncAt,omitempty"`
	LastEventAt        string   `dynamodbav:"LastEventAt,omitempty" json:"lastEventAt,omitempty"`
	LastEventTopic     string   `dynamodbav:"LastEventTopic,omitempty" json:"lastEventTopic,omitempty"`
	LastEventWebhookID string   `dynamodbav:"LastEventWebhookId,omitempty" json:"lastEventWebhookId,omitempty"`
}

type Store struct {
	ddb    db.DynamoAPI
	table  string
	sealer Sealer
	now    func() time.Time
}

func NewStore(ddb db.DynamoAPI, table string, sealer Sealer) *Store {
	return &Store{ddb: ddb, table: table, sealer: sealer, now: time.Now}
}

func key(brandID string, p Platform, externalID string) map[string]types.AttributeValue {
	return db.Key("BRAND#"+brandID, p.prefix()+externalID)
}

// Save upserts a connection, sealing accessToken into AccessTokenEnc.
// Reconnecting keeps the original CreatedAt and sync cursor.
func (s *Store) Save(ctx context.Context, c Connection, accessToken string) (Connection, error) {
	if c.BrandID == "" || c.ExternalID == "" {
		return Connection{}, apperr.Validation("connection needs brand and external id")
	}
	if _, err := ParsePlatform(string(c.Platform)); err != nil {
		return Connection{}, err
	}
	if strings.TrimSpace(accessToken) == "" {
		return Connection{}, errors.New("empty access token")
	}
	enc, err := s.sealer.Seal(accessToken)
	if err != nil {
		return Connection{}, fmt.Errorf("seal token: %w", err)
	}

	if prev, _, err := s.Load(ctx, c.BrandID, c.Platform, c.ExternalID); err == nil {
		c.CreatedAt = prev.CreatedAt
		if c.LastSyncAt == "" {
			c.LastSyncAt = prev.LastSyncAt
		}
	} else if !apperr.IsNotFound(err) {
		return Connection{}, err
	}

	k := key(c.BrandID, c.Platform, c.ExternalID)
	c.PK, c.SK = db.S(k["PK"]), db.S(k["SK"])
	c.AccessTokenEnc = enc
	if c.CreatedAt == "" {
		c.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}

	av, err := attributevalue.MarshalMap(c)
	if err != nil {
		return Connection{}, err
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}); err != nil {
		return Connection{}, fmt.Errorf("put connection: %w", err)
	}
	return c, nil
}

// Load returns the connection and its decrypted token.
func (s *Store) Load(ctx context.Context, brandID string, p Platform, externalID string) (Connection, string, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       key(brandID, p, externalID),
	})
	if err != nil {
		return Connection{}, "", fmt.Errorf("get connection: %w", err)
	}
	if out.Item == nil {
		return Connection{}, "", apperr.NotFound(string(p)+" connection", externalID)
	}
	var c Connection
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return Connection{}, "", err
	}
	enc := strings.TrimSpace(c.AccessTokenEnc)
	if enc == "" {
		return c, "", errors.New("no AccessTokenEnc on record")
	}
	tok, err := s.sealer.Open(enc)
	if err != nil {
		return c, "", err
	}
	return c, tok, nil
}

// List returns the brand's connections; an empty platform lists all.
func (s *Store) List(ctx context.Context, brandID string, p Platform) ([]Connection, error) {
	cond := "PK = :pk"
	vals := map[string]types.AttributeValue{":pk": db.AttrS("BRAND#" + brandID)}
	if p != "" {
		cond += " AND begins_with(SK, :prefix)"
		vals[":prefix"] = db.AttrS(p.prefix())
	}
	items, err := db.QueryAll(ctx, s.ddb, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: vals,
	})
	if err != nil {
		return nil, err
	}
	return unmarshalConnections(items, p)
}

// ListPlatform scans every brand's connections to one platform. Scheduled
// syncs use it; request paths should use List.
func (s *Store) ListPlatform(ctx context.Context, p Platform) ([]Connection, error) {
	items, err := db.ScanAll(ctx, s.ddb, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("Platform = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": db.AttrS(string(p)),
		},
	})
	if err != nil {
		return nil, err
	}
	return unmarshalConnections(items, p)
}

func unmarshalConnections(items []map[string]types.AttributeValue, p Platform) ([]Connection, error) {
	conns := []Connection{}
	if err := attributevalue.UnmarshalListOfMaps(items, &conns); err != nil {
		return nil, err
	}
	return lo.Filter(conns, func(c Connection, _ int) bool {
		return p == "" || c.Platform == p
	}), nil
}

func (s *Store) Delete(ctx context.Context, brandID string, p Platform, externalID string) error {
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       key(brandID, p, externalID),
	})
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func (s *Store) UpdateLastSync(ctx context.Context, brandID string, p Platform, externalID, at string) error {
	return s.update(ctx, key(brandID, p, externalID), "SET LastSyncAt = :t", map[string]types.AttributeValue{
		":t": db.AttrS(at),
	})
}

// UpdateLastEvent records the most recent webhook seen for a shop.
func (s *Store) UpdateLastEvent(ctx context.Context, brandID string, p Platform, externalID, topic, webhookID string) error {
	return s.update(ctx, key(brandID, p, externalID),
		"SET LastEventAt = :t, LastEventTopic = :topic, LastEventWebhookId = :wid",
		map[string]types.AttributeValue{
			":t":     db.AttrS(s.now().UTC().Format(time.RFC3339)),
			":topic": db.AttrS(topic),
			":wid":   db.AttrS(webhookID),
		})
}

func (s *Store) update(ctx context.Context, k map[string]types.AttributeValue, expr string, vals map[string]types.AttributeValue) error {
	_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       k,
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: vals,
	})
	if err != nil {
		if db.IsConditionFailed(err) {
			return apperr.NotFound("connection", db.S(k["SK"]))
		}
		return fmt.Errorf("update connection: %w", err)
	}
	return nil
}
