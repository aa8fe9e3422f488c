// Package users keeps per-user settings, today the SNS topic their e-mail
// alerts are published to.
package users

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/sirupsen/logrus"

	"storepulse/internal/apperr"
	"storepulse/internal/db"
	"storepulse/internal/logging"
)

// SNS subjects longer than this are rejected.
const maxSubjectLen = 100

type SNSAPI interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// MemberLister resolves who belongs to a brand.
type MemberLister interface {
	MembersOf(ctx context.Context, brandID string) ([]string, error)
}

type Alerts struct {
	ddb     db.DynamoAPI
	table   string
	sns     SNSAPI
	members MemberLister
	stage   string
	log     *logrus.Entry
	now     func() time.Time
}

func NewAlerts(ddb db.DynamoAPI, table string, snsClient SNSAPI, members MemberLister, stage string) *Alerts {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		stage = "dev"
	}
	return &Alerts{
		ddb:     ddb,
		table:   strings.TrimSpace(table),
		sns:     snsClient,
		members: members,
		stage:   stage,
		log:     logging.Named("alerts"),
		now:     time.Now,
	}
}

func UserPK(sub string) string {
	return fmt.Sprintf("USER#%s", sub)
}

func shortHashSub(sub string) string {
	h := sha1.Sum([]byte(sub))
	// 8 bytes -> 16 hex chars, stable and short
	return hex.EncodeToString(h[:8])
}

// TopicName is the per-user SNS topic. Names allow no slashes.
func (a *Alerts) TopicName(sub string) string {
	return fmt.Sprintf("storepulse-user-alerts-%s-%s", a.stage, shortHashSub(sub))
}

// EnsureUserEmailAlerts creates the user's topic, subscribes their e-mail
// (the user confirms once) and stores the topic ARN. An existing ARN is
// reused.
func (a *Alerts) EnsureUserEmailAlerts(ctx context.Context, sub, email string) (string, error) {
	sub = strings.TrimSpace(sub)
	email = strings.TrimSpace(email)
	if sub == "" {
		return "", apperr.Unauthorized("missing user")
	}
	if email == "" || !strings.Contains(email, "@") {
		return "", apperr.Validation("a valid email is required")
	}

	existing, err := a.GetAlertsTopicArn(ctx, sub)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	ct, err := a.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(a.TopicName(sub))})
	if err != nil {
		return "", fmt.Errorf("create alerts topic: %w", err)
	}
	topicArn := aws.ToString(ct.TopicArn)

	if _, err := a.sns.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicArn),
		Protocol: aws.String("email"),
		Endpoint: aws.String(email),
	}); err != nil {
		return "", fmt.Errorf("subscribe email: %w", err)
	}

	if a.table != "" {
		if _, err := a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(a.table),
			Item: map[string]types.AttributeValue{
				"PK":             db.AttrS(UserPK(sub)),
				"Email":          db.AttrS(email),
				"AlertsTopicArn": db.AttrS(topicArn),
				"UpdatedAt":      db.AttrS(a.now().UTC().Format(time.RFC3339)),
			},
		}); err != nil {
			return "", fmt.Errorf("save alerts topic: %w", err)
		}
	}
	return topicArn, nil
}

func (a *Alerts) GetAlertsTopicArn(ctx context.Context, sub string) (string, error) {
	if a.table == "" || strings.TrimSpace(sub) == "" {
		return "", nil
	}
	out, err := a.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.table),
		Key:       map[string]types.AttributeValue{"PK": db.AttrS(UserPK(sub))},
	})
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if out.Item == nil {
		return "", nil
	}
	return db.S(out.Item["AlertsTopicArn"]), nil
}

// NotifyBrand publishes to the topic of every brand member who enabled
// alerts. Members without a topic are skipped; publish errors are joined.
func (a *Alerts) NotifyBrand(ctx context.Context, brandID, subject, message string) error {
	subs, err := a.members.MembersOf(ctx, brandID)
	if err != nil {
		return err
	}
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen-3] + "..."
	}
	var errs []error
	sent := 0
	for _, sub := range subs {
		arn, err := a.GetAlertsTopicArn(ctx, sub)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if arn == "" {
			continue
		}
		if _, err := a.sns.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(arn),
			Subject:  aws.String(subject),
			Message:  aws.String(message),
		}); err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", arn, err))
			continue
		}
		sent++
	}
	a.log.WithFields(logrus.Fields{"brand_id": brandID, "members": len(subs), "sent": sent}).Info("brand alert published")
	return errors.Join(errs...)
}
