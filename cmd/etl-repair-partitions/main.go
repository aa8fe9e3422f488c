package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"

	"storepulse/internal/app"
	"storepulse/internal/config"
	"storepulse/internal/etl"
)

func main() {
	ctx := context.Background()

	env, err := app.Load(ctx, "etl-repair-partitions")
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if err := config.Require(
		"ATHENA_DATABASE", env.Cfg.AthenaDatabase,
		"ATHENA_OUTPUT", env.Cfg.AthenaOutput,
	); err != nil {
		env.Log.WithError(err).Fatal("config")
	}
	client := env.Athena()

	lambda.Start(func(ctx context.Context) (etl.RepairResult, error) {
		res, err := etl.RepairPartitions(ctx, client, env.Cfg.DailyMetricsTable, env.AthenaOptions())
		if err != nil {
			env.Log.WithError(err).Error("repair partitions")
			return res, err
		}
		env.Log.WithField("query_id", res.QueryID).Info("partitions repaired")
		return res, nil
	})
}
