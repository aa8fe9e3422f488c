package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"storepulse/internal/app"
)

func main() {
	ctx := context.Background()

	env, err := app.Load(ctx, "api")
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	api, err := env.API(ctx)
	if err != nil {
		env.Log.WithError(err).Fatal("build api")
	}
	lambda.Start(api.Handle)
}
