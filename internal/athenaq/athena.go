// Package athenaq runs Athena queries against the analytics lake and waits
// for them to finish.
package athenaq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
)

type Client interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

type Options struct {
	Database       string
	Workgroup      string
	OutputLocation string // s3://.../athena-results/
	MaxWait        time.Duration
	PollInterval   time.Duration
	MaxRows        int
}

func (o Options) withDefaults() (Options, error) {
	if strings.TrimSpace(o.Database) == "" {
		return o, fmt.Errorf("missing athena database")
	}
	if !strings.HasPrefix(o.OutputLocation, "s3://") {
		return o, fmt.Errorf("athena output location must start with s3://")
	}
	if o.Workgroup == "" {
		o.Workgroup = "primary"
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 25 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 700 * time.Millisecond
	}
	if o.MaxRows <= 0 {
		o.MaxRows = 500
	}
	return o, nil
}

type Result struct {
	QueryExecutionID string
	State            string
	Columns          []string
	Rows             []map[string]any
	ScannedBytes     int64
	ExecutionMs      int64
}

type QueryError struct {
	State            string
	Reason           string
	QueryExecutionID string
}

func (e *QueryError) Error() string {
	if e.QueryExecutionID != "" {
		return fmt.Sprintf("athena %s: %s (qid=%s)", e.State, e.Reason, e.QueryExecutionID)
	}
	return fmt.Sprintf("athena %s: %s", e.State, e.Reason)
}

// Exec starts a statement and waits for it, without fetching rows. Use it
// for DDL such as MSCK REPAIR TABLE.
func Exec(ctx context.Context, c Client, sql string, opt Options) (*Result, error) {
	opt, err := opt.withDefaults()
	if err != nil {
		return nil, err
	}
	return wait(ctx, c, sql, opt)
}

// Run executes a query and returns up to MaxRows rows. Values that parse as
// numbers come back as int64 or float64.
func Run(ctx context.Context, c Client, sql string, opt Options) (*Result, error) {
	opt, err := opt.withDefaults()
	if err != nil {
		return nil, err
	}
	res, err := wait(ctx, c, sql, opt)
	if err != nil {
		return nil, err
	}

	var (
		nextToken *string
		allRows   []athenatypes.Row
		colInfo   []athenatypes.ColumnInfo
	)
	for {
		out, err := c.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(res.QueryExecutionID),
			NextToken:        nextToken,
			MaxResults:       aws.Int32(1000),
		})
		if err != nil {
			return nil, fmt.Errorf("athena GetQueryResults: %w", err)
		}
		if out.ResultSet == nil {
			break
		}
		if colInfo == nil && out.ResultSet.ResultSetMetadata != nil {
			colInfo = out.ResultSet.ResultSetMetadata.ColumnInfo
		}
		allRows = append(allRows, out.ResultSet.Rows...)
		if aws.ToString(out.NextToken) == "" || len(allRows) > opt.MaxRows {
			break
		}
		nextToken = out.NextToken
	}

	for _, ci := range colInfo {
		res.Columns = append(res.Columns, aws.ToString(ci.Name))
	}
	res.Rows = make([]map[string]any, 0, min(opt.MaxRows, max(0, len(allRows)-1)))
	// the first row repeats the column names
	for i, r := range allRows {
		if i == 0 {
			continue
		}
		if len(res.Rows) >= opt.MaxRows {
			break
		}
		m := make(map[string]any, len(res.Columns))
		for ci, d := range r.Data {
			if ci < len(res.Columns) {
				m[res.Columns[ci]] = coerceScalar(aws.ToString(d.VarCharValue))
			}
		}
		res.Rows = append(res.Rows, m)
	}
	return res, nil
}

func wait(ctx context.Context, c Client, sql string, opt Options) (*Result, error) {
	start, err := c.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString:           aws.String(sql),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{Database: aws.String(opt.Database)},
		ResultConfiguration:   &athenatypes.ResultConfiguration{OutputLocation: aws.String(opt.OutputLocation)},
		WorkGroup:             aws.String(opt.Workgroup),
	})
	if err != nil {
		return nil, fmt.Errorf("athena StartQueryExecution: %w", err)
	}
	qid := aws.ToString(start.QueryExecutionId)

	ctx, cancel := context.WithTimeout(ctx, opt.MaxWait)
	defer cancel()
	ticker := time.NewTicker(opt.PollInterval)
	defer ticker.Stop()

	for {
		out, err := c.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(qid)})
		if err != nil {
			if ctx.Err() != nil {
				return nil, &QueryError{State: "TIMEOUT", Reason: "query timed out", QueryExecutionID: qid}
			}
			return nil, fmt.Errorf("athena GetQueryExecution: %w", err)
		}
		exec := out.QueryExecution
		var state athenatypes.QueryExecutionState
		if exec != nil && exec.Status != nil {
			state = exec.Status.State
		}
		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			res := &Result{QueryExecutionID: qid, State: string(state)}
			if exec.Statistics != nil {
				res.ScannedBytes = aws.ToInt64(exec.Statistics.DataScannedInBytes)
				res.ExecutionMs = aws.ToInt64(exec.Statistics.EngineExecutionTimeInMillis)
			}
			return res, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			return nil, &QueryError{State: string(state), Reason: aws.ToString(exec.Status.StateChangeReason), QueryExecutionID: qid}
		}

		select {
		case <-ctx.Done():
			return nil, &QueryError{State: "TIMEOUT", Reason: "query timed out", QueryExecutionID: qid}
		case <-ticker.C:
		}
	}
}

func coerceScalar(v string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// Quote renders s as an Athena string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
