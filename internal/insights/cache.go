package insights

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"storepulse/internal/db"
)

// Cache stores narratives under PK=BRAND#<id>, SK=INSIGHT#<hash of prompt
// inputs>. ExpiresAt doubles as the DynamoDB TTL attribute; reads also check
// it because TTL deletion lags.
type Cache struct {
	ddb   db.DynamoAPI
	table string
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(ddb db.DynamoAPI, table string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Cache{ddb: ddb, table: table, ttl: ttl, now: time.Now}
}

// Key hashes everything that changes the answer.
func Key(provider, prompt string) string {
	sum := sha256.Sum256([]byte(provider + "\n" + prompt))
	return hex.EncodeToString(sum[:])
}

func cacheKey(brandID, key string) map[string]types.AttributeValue {
	return db.Key("BRAND#"+brandID, "INSIGHT#"+key)
}

func (c *Cache) Get(ctx context.Context, brandID, key string) (*Narrative, error) {
	if c == nil || c.table == "" {
		return nil, nil
	}
	out, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       cacheKey(brandID, key),
	})
	if err != nil {
		return nil, fmt.Errorf("cache GetItem: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	exp := int64(db.N(out.Item["ExpiresAt"]))
	if exp > 0 && c.now().Unix() >= exp {
		return nil, nil
	}
	var n Narrative
	if err := json.Unmarshal([]byte(db.S(out.Item["Payload"])), &n); err != nil {
		return nil, nil
	}
	return &n, nil
}

func (c *Cache) Put(ctx context.Context, brandID, key string, n Narrative) error {
	if c == nil || c.table == "" {
		return nil
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	now := c.now().UTC()
	item := cacheKey(brandID, key)
	item["Payload"] = db.AttrS(string(b))
	item["CreatedAt"] = db.AttrS(now.Format(time.RFC3339))
	item["ExpiresAt"] = db.AttrN(now.Add(c.ttl).Unix())
	if _, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.table), Item: item}); err != nil {
		return fmt.Errorf("cache PutItem: %w", err)
	}
	return nil
}
