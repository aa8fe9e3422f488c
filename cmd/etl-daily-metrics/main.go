package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"storepulse/internal/app"
	"storepulse/internal/etl"
)

func main() {
	ctx := context.Background()

	env, err := app.Load(ctx, "etl-daily-metrics")
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	job, err := env.DailyMetrics()
	if err != nil {
		env.Log.WithError(err).Fatal("build etl")
	}

	// invoked by an EventBridge schedule; the payload is ignored
	lambda.Start(func(ctx context.Context) (etl.Result, error) {
		return job.Run(ctx)
	})
}
