package shopify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sirupsen/logrus"

	"storepulse/internal/apperr"
	"storepulse/internal/connections"
	"storepulse/internal/logging"
	"storepulse/internal/store"
	"storepulse/internal/tenancy"
)

// Ingestor stores order and refund webhooks for every brand the shop is
// connected to.
type Ingestor struct {
	Shops       *tenancy.Shops
	Connections *connections.Store
	Orders      *store.Orders
	Dedupe      *Deduper
	Log         *logrus.Entry
}

func (in *Ingestor) log() *logrus.Entry {
	if in.Log != nil {
		return in.Log
	}
	return logging.Named("shopify-ingest")
}

func (in *Ingestor) HandleOrder(ctx context.Context, body []byte) error {
	return in.handle(ctx, body, "orders/", func(ctx context.Context, ev Event, brandID string) error {
		o, err := ParseOrderEvent(ev)
		if err != nil {
			return err
		}
		return in.Orders.PutOrder(ctx, brandID, o)
	})
}

func (in *Ingestor) HandleRefund(ctx context.Context, body []byte) error {
	return in.handle(ctx, body, "refunds/", func(ctx context.Context, ev Event, brandID string) error {
		r, err := ParseRefundEvent(ev)
		if err != nil {
			return err
		}
		_, err = in.Orders.PutRefund(ctx, brandID, r)
		return err
	})
}

func (in *Ingestor) handle(ctx context.Context, body []byte, topicPrefix string, put func(context.Context, Event, string) error) error {
	ev, err := ParseEvent(body)
	if errors.Is(err, ErrNotShopifyEvent) {
		in.log().Warn("ignoring non-shopify message")
		return nil
	}
	if err != nil {
		return err
	}
	if !strings.HasPrefix(ev.Topic, topicPrefix) {
		return nil
	}
	log := in.log().WithFields(logrus.Fields{"shop": ev.Shop, "topic": ev.Topic, "webhook_id": ev.WebhookID})

	dup, err := in.Dedupe.Claim(ctx, ev, topicPrefix)
	if err != nil {
		return err
	}
	if dup {
		log.Info("duplicate webhook, skipping")
		return nil
	}

	if err := in.deliver(ctx, log, ev, put); err != nil {
		if rerr := in.Dedupe.Release(context.WithoutCancel(ctx), ev, topicPrefix); rerr != nil {
			log.WithError(rerr).Warn("could not release webhook claim")
		}
		return err
	}
	return nil
}

func (in *Ingestor) deliver(ctx context.Context, log *logrus.Entry, ev Event, put func(context.Context, Event, string) error) error {
	brands, err := in.Shops.BrandsForShop(ctx, ev.Shop)
	if err != nil {
		return fmt.Errorf("brands for shop: %w", err)
	}
	if len(brands) == 0 {
		log.Info("shop not connected to any brand")
		return nil
	}
	for _, brandID := range brands {
		if err := put(ctx, ev, brandID); err != nil {
			return fmt.Errorf("brand %s: %w", brandID, err)
		}
		if err := in.Connections.UpdateLastEvent(ctx, brandID, connections.Shopify, ev.Shop, ev.Topic, ev.WebhookID); err != nil && !apperr.IsNotFound(err) {
			log.WithError(err).Warn("could not record last event")
		}
	}
	log.WithField("brands", len(brands)).Info("webhook stored")
	return nil
}

// Notifier publishes a message to every member of a brand.
type Notifier interface {
	NotifyBrand(ctx context.Context, brandID, subject, message string) error
}

// Alerter e-mails brand members about Shopify events.
type Alerter struct {
	Shops  *tenancy.Shops
	Notify Notifier
	Dedupe *Deduper
	Log    *logrus.Entry
}

func (a *Alerter) Handle(ctx context.Context, body []byte) error {
	log := a.Log
	if log == nil {
		log = logging.Named("shopify-alerts")
	}
	ev, err := ParseEvent(body)
	if err != nil {
		log.WithError(err).Warn("skipping unreadable event")
		return nil
	}
	dup, err := a.Dedupe.Claim(ctx, ev, "alerts")
	if err != nil || dup {
		return err
	}
	brands, err := a.Shops.BrandsForShop(ctx, ev.Shop)
	if err != nil {
		return err
	}
	subject, msg := AlertMessage(ev)
	for _, b := range brands {
		if err := a.Notify.NotifyBrand(ctx, b, subject, msg); err != nil {
			log.WithError(err).WithField("brand_id", b).Warn("alert not sent")
		}
	}
	return nil
}

// ProcessSQS runs fn for each record and reports the failed ones so only
// they are retried.
func ProcessSQS(ctx context.Context, evt events.SQSEvent, log *logrus.Entry, fn func(context.Context, []byte) error) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0)
	for _, rec := range evt.Records {
		if err := fn(ctx, []byte(rec.Body)); err != nil {
			log.WithError(err).WithField("message_id", rec.MessageId).Error("record failed")
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}
