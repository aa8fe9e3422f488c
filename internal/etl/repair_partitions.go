package etl

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"storepulse/internal/athenaq"
	"storepulse/internal/logging"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type RepairResult struct {
	Ok        bool   `json:"ok"`
	QueryID   string `json:"query_id,omitempty"`
	State     string `json:"state,omitempty"`
	Database  string `json:"database,omitempty"`
	Table     string `json:"table,omitempty"`
	Workgroup string `json:"workgroup,omitempty"`
}

// RepairPartitions runs MSCK REPAIR TABLE so Athena sees partitions that
// were written without a Glue registration.
func RepairPartitions(ctx context.Context, c athenaq.Client, table string, opt athenaq.Options) (RepairResult, error) {
	if !tableName.MatchString(table) {
		return RepairResult{}, fmt.Errorf("invalid table name %q", table)
	}
	if opt.MaxWait <= 0 {
		opt.MaxWait = 60 * time.Second
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = 2 * time.Second
	}
	log := logging.Named("etl-repair").WithFields(logrus.Fields{"database": opt.Database, "table": table})

	res, err := athenaq.Exec(ctx, c, fmt.Sprintf("MSCK REPAIR TABLE %s", table), opt)
	if err != nil {
		log.WithError(err).Error("partition repair failed")
		return RepairResult{Database: opt.Database, Table: table}, err
	}
	log.WithField("query_id", res.QueryExecutionID).Info("partition repair succeeded")
	return RepairResult{
		Ok:        true,
		QueryID:   res.QueryExecutionID,
		State:     res.State,
		Database:  opt.Database,
		Table:     table,
		Workgroup: opt.Workgroup,
	}, nil
}
