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

func main() {
	ctx := context.Background()

	env, err := app.Load(ctx, "shopify-refunds-worker")
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if err := config.Require(
		"ORDERS_TABLE", env.Cfg.OrdersTable,
		"SHOP_TO_BRAND_TABLE", env.Cfg.ShopToBrandTable,
	); err != nil {
		env.Log.WithError(err).Fatal("config")
	}
	conns, err := env.Connections()
	if err != nil {
		env.Log.WithError(err).Fatal("connections")
	}
	in := &shopify.Ingestor{
		Shops:       env.Shops(),
		Connections: conns,
		Orders:      env.Orders(),
		Dedupe:      env.Deduper(),
		Log:         env.Log,
	}

	lambda.Start(func(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
		return shopify.ProcessSQS(ctx, evt, env.Log, in.HandleRefund), nil
	})
}
