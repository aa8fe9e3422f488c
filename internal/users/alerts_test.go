package users

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/apperr"
	"storepulse/internal/db/dbtest"
)

type fakeSNS struct {
	topics    []string
	subs      []string
	published map[string]string
	failArn   string
}

func (f *fakeSNS) CreateTopic(_ context.Context, in *sns.CreateTopicInput, _ ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	f.topics = append(f.topics, aws.ToString(in.Name))
	return &sns.CreateTopicOutput{TopicArn: aws.String("arn:aws:sns:us-east-1:1:" + aws.ToString(in.Name))}, nil
}

func (f *fakeSNS) Subscribe(_ context.Context, in *sns.SubscribeInput, _ ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	f.subs = append(f.subs, aws.ToString(in.Endpoint))
	return &sns.SubscribeOutput{}, nil
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	arn := aws.ToString(in.TopicArn)
	if arn == f.failArn {
		return nil, errors.New("sns unavailable")
	}
	if f.published == nil {
		f.published = map[string]string{}
	}
	f.published[arn] = aws.ToString(in.Subject)
	return &sns.PublishOutput{}, nil
}

type members map[string][]string

func (m members) MembersOf(_ context.Context, brandID string) ([]string, error) {
	return m[brandID], nil
}

func TestEnsureUserEmailAlertsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := &fakeSNS{}
	a := NewAlerts(dbtest.New(), "users", s, members{}, "prod")

	arn, err := a.EnsureUserEmailAlerts(ctx, "user-1", "ops@acme.test")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(arn, "arn:aws:sns:us-east-1:1:storepulse-user-alerts-prod-"))
	assert.Len(t, a.TopicName("user-1"), len("storepulse-user-alerts-prod-")+16)

	again, err := a.EnsureUserEmailAlerts(ctx, "user-1", "ops@acme.test")
	require.NoError(t, err)
	assert.Equal(t, arn, again)
	assert.Len(t, s.topics, 1)
	assert.Equal(t, []string{"ops@acme.test"}, s.subs)

	stored, err := a.GetAlertsTopicArn(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, arn, stored)
}

func TestEnsureUserEmailAlertsValidation(t *testing.T) {
	a := NewAlerts(dbtest.New(), "users", &fakeSNS{}, members{}, "")
	_, err := a.EnsureUserEmailAlerts(context.Background(), "", "ops@acme.test")
	assert.Equal(t, 401, apperr.Status(err))
	_, err = a.EnsureUserEmailAlerts(context.Background(), "u", "nope")
	assert.Equal(t, 400, apperr.Status(err))
	assert.Contains(t, a.TopicName("u"), "-dev-")
}

func TestNotifyBrand(t *testing.T) {
	ctx := context.Background()
	s := &fakeSNS{}
	a := NewAlerts(dbtest.New(), "users", s, members{"b1": {"u1", "u2", "u3"}}, "dev")

	arn1, err := a.EnsureUserEmailAlerts(ctx, "u1", "a@acme.test")
	require.NoError(t, err)
	arn2, err := a.EnsureUserEmailAlerts(ctx, "u2", "b@acme.test")
	require.NoError(t, err)

	long := strings.Repeat("x", 150)
	require.NoError(t, a.NotifyBrand(ctx, "b1", long, "body"))
	require.Len(t, s.published, 2)
	assert.Len(t, s.published[arn1], maxSubjectLen)
	assert.Contains(t, s.published, arn2)

	s.failArn = arn2
	err = a.NotifyBrand(ctx, "b1", "hi", "body")
	assert.ErrorContains(t, err, "sns unavailable")
	assert.Equal(t, "hi", s.published[arn1])
}
