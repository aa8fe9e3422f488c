package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"storepulse/internal/app"
	"storepulse/internal/config"
	"storepulse/internal/shopify"
)

// Shopify EventBridge events arrive here through their own SQS queue and
// are mailed to the members of every brand the shop belongs to.
func main() {
	ctx := context.Background()

	env, err := app.Load(ctx, "shopify-alerts")
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if err := config.Require(
		"USERS_TABLE", env.Cfg.UsersTable,
		"SHOP_TO_BRAND_TABLE", env.Cfg.ShopToBrandTable,
	); err != nil {
		env.Log.WithError(err).Fatal("config")
	}
	alerter := &shopify.Alerter{
		Shops:  env.Shops(),
		Notify: env.Alerts(),
		Dedupe: env.Deduper(),
		Log:    env.Log,
	}

	lambda.Start(func(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
		return shopify.ProcessSQS(ctx, evt, env.Log, alerter.Handle), nil
	})
}
