package connections

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"storepulse/internal/apperr"
	"storepulse/internal/db"
)

const StateTTL = 10 * time.Minute

// State is a pending OAuth handshake, keyed by the random state value.
// ExpiresAtEpoch doubles as the table's TTL attribute.
type State struct {
	State          string   `dynamodbav:"State"`
	UserSub        string   `dynamodbav:"UserSub"`
	BrandID        string   `dynamodbav:"BrandId"`
	Platform       Platform `dynamodbav:"Platform"`
	Shop           string   `dynamodbav:"Shop,omitempty"`
	ExpiresAtEpoch int64    `dynamodbav:"ExpiresAtEpoch"`
}

type StateStore struct {
	ddb   db.DynamoAPI
	table string
	now   func() time.Time
}

func NewStateStore(ddb db.DynamoAPI, table string) *StateStore {
	return &StateStore{ddb: ddb, table: table, now: time.Now}
}

func randomState(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Put stores a new handshake and returns its state value.
func (s *StateStore) Put(ctx context.Context, st State) (string, error) {
	v, err := randomState(24)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	st.State = v
	st.ExpiresAtEpoch = s.now().UTC().Add(StateTTL).Unix()

	av, err := attributevalue.MarshalMap(st)
	if err != nil {
		return "", err
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(State)"),
	}); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return v, nil
}

// Take consumes a state value. It is one-time: the row is deleted whether
// or not it is still valid.
func (s *StateStore) Take(ctx context.Context, state string, p Platform) (State, error) {
	if state == "" {
		return State{}, apperr.Validation("invalid or expired state")
	}
	k := map[string]types.AttributeValue{"State": db.AttrS(state)}
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(s.table), Key: k})
	if err != nil {
		return State{}, fmt.Errorf("get oauth state: %w", err)
	}
	if out.Item == nil {
		return State{}, apperr.Validation("invalid or expired state")
	}
	_, _ = s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(s.table), Key: k})

	var st State
	if err := attributevalue.UnmarshalMap(out.Item, &st); err != nil {
		return State{}, err
	}
	if st.Platform != p || st.UserSub == "" || st.BrandID == "" {
		return State{}, apperr.Validation("state mismatch")
	}
	if s.now().UTC().Unix() > st.ExpiresAtEpoch {
		return State{}, apperr.Validation("invalid or expired state")
	}
	return st, nil
}
