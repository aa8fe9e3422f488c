// Package etljobs tracks background data pulls so the dashboard can show
// their progress.
package etljobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"storepulse/internal/apperr"
	"storepulse/internal/db"
	"storepulse/internal/metrics"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// Finished reports whether no more chunks will report in.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusCompletedWithErrors || s == StatusFailed
}

type Job struct {
	PK           string `dynamodbav:"PK" json:"-"`
	SK           string `dynamodbav:"SK" json:"-"`
	JobID        string `dynamodbav:"JobId" json:"id"`
	BrandID      string `dynamodbav:"BrandId" json:"brandId"`
	Platform     string `dynamodbav:"Platform" json:"platform"`
	Kind         string `dynamodbav:"Kind" json:"kind"`
	AccountID    string `dynamodbav:"AccountId,omitempty" json:"accountId,omitempty"`
	Status       Status `dynamodbav:"Status" json:"status"`
	TotalChunks  int    `dynamodbav:"TotalChunks" json:"totalChunks"`
	DoneChunks   int    `dynamodbav:"DoneChunks" json:"doneChunks"`
	FailedChunks int    `dynamodbav:"FailedChunks" json:"failedChunks"`
	// Reported holds the chunk numbers already counted, done or failed.
	Reported []int `dynamodbav:"ReportedChunks,numberset,omitempty" json:"-"`
	Since        string `dynamodbav:"Since,omitempty" json:"since,omitempty"`
	Until        string `dynamodbav:"Until,omitempty" json:"until,omitempty"`
	Error        string `dynamodbav:"Error,omitempty" json:"error,omitempty"`
	CreatedAt    string `dynamodbav:"CreatedAt" json:"createdAt"`
	UpdatedAt    string `dynamodbav:"UpdatedAt" json:"updatedAt"`
	FinishedAt   string `dynamodbav:"FinishedAt,omitempty" json:"finishedAt,omitempty"`
}

// Progress is the percentage of chunks that reported in, done or failed.
func (j Job) Progress() float64 {
	return metrics.Round2(metrics.SafeDiv(float64(j.DoneChunks+j.FailedChunks), float64(j.TotalChunks)) * 100)
}

func brandPK(brandID string) string { return "BRAND#" + brandID }
func jobSK(jobID string) string     { return "ETL#" + jobID }

type Store struct {
	ddb   db.DynamoAPI
	table string
	now   func() time.Time
}

func NewStore(ddb db.DynamoAPI, table string) *Store {
	return &Store{ddb: ddb, table: table, now: time.Now}
}

func (s *Store) stamp() string { return s.now().UTC().Format(time.RFC3339) }

// Create inserts a new job row. Job ids are UUIDv7 so rows sort by
// creation time under the brand.
func (s *Store) Create(ctx context.Context, j Job) (Job, error) {
	if j.JobID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Job{}, err
		}
		j.JobID = id.String()
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	j.PK, j.SK = brandPK(j.BrandID), jobSK(j.JobID)
	j.CreatedAt = s.stamp()
	j.UpdatedAt = j.CreatedAt

	av, err := attributevalue.MarshalMap(j)
	if err != nil {
		return Job{}, err
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if db.IsConditionFailed(err) {
			return Job{}, apperr.Conflict("etl job %s already exists", j.JobID)
		}
		return Job{}, fmt.Errorf("put etl job: %w", err)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, brandID, jobID string) (Job, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       db.Key(brandPK(brandID), jobSK(jobID)),
	})
	if err != nil {
		return Job{}, fmt.Errorf("get etl job: %w", err)
	}
	if out.Item == nil {
		return Job{}, apperr.NotFound("etl job", jobID)
	}
	var j Job
	if err := attributevalue.UnmarshalMap(out.Item, &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// ListForBrand returns the brand's jobs, newest first.
func (s *Store) ListForBrand(ctx context.Context, brandID string, limit int32) ([]Job, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     db.AttrS(brandPK(brandID)),
			":prefix": db.AttrS("ETL#"),
		},
		ScanIndexForward: aws.Bool(false),
	}
	var items []map[string]types.AttributeValue
	if limit > 0 {
		in.Limit = aws.Int32(limit)
		out, err := s.ddb.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query etl jobs: %w", err)
		}
		items = out.Items
	} else {
		var err error
		if items, err = db.QueryAll(ctx, s.ddb, in); err != nil {
			return nil, err
		}
	}
	jobs := []Job{}
	if err := attributevalue.UnmarshalListOfMaps(items, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ActiveForAccount finds an unfinished job pulling the given account.
func (s *Store) ActiveForAccount(ctx context.Context, brandID, accountID string) (*Job, error) {
	jobs, err := s.ListForBrand(ctx, brandID, 0)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.AccountID == accountID && !j.Status.Finished() {
			return &j, nil
		}
	}
	return nil, nil
}

// MarkChunkDone counts a finished chunk. It returns the updated row and
// whether this call is the one that finished the job. Each chunk number is
// counted once; a redelivered chunk leaves the row unchanged.
func (s *Store) MarkChunkDone(ctx context.Context, brandID, jobID string, chunk int) (Job, bool, error) {
	return s.countChunk(ctx, brandID, jobID, chunk, "DoneChunks")
}

func (s *Store) MarkChunkFailed(ctx context.Context, brandID, jobID string, chunk int) (Job, bool, error) {
	return s.countChunk(ctx, brandID, jobID, chunk, "FailedChunks")
}

func (s *Store) countChunk(ctx context.Context, brandID, jobID string, chunk int, counter string) (Job, bool, error) {
	n := strconv.Itoa(chunk)
	out, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 db.Key(brandPK(brandID), jobSK(jobID)),
		UpdateExpression:    aws.String("SET UpdatedAt = :now ADD " + counter + " :one, ReportedChunks :chunks"),
		ConditionExpression: aws.String("attribute_exists(PK) AND NOT contains(ReportedChunks, :chunk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    db.AttrS(s.stamp()),
			":one":    db.AttrN(1),
			":chunks": &types.AttributeValueMemberNS{Value: []string{n}},
			":chunk":  &types.AttributeValueMemberN{Value: n},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if db.IsConditionFailed(err) {
			// either the row is gone or this chunk was already counted
			j, gerr := s.Get(ctx, brandID, jobID)
			if gerr != nil {
				return Job{}, false, gerr
			}
			return j, false, nil
		}
		return Job{}, false, fmt.Errorf("count etl chunk: %w", err)
	}
	var j Job
	if err := attributevalue.UnmarshalMap(out.Attributes, &j); err != nil {
		return Job{}, false, err
	}
	if j.Status.Finished() || j.DoneChunks+j.FailedChunks < j.TotalChunks {
		return j, false, nil
	}

	final := StatusCompleted
	if j.FailedChunks > 0 {
		final = StatusCompletedWithErrors
	}
	won, err := s.finish(ctx, j, final, "")
	if err != nil {
		return Job{}, false, err
	}
	if won {
		j.Status = final
	}
	return j, won, nil
}

// finish moves a running job to a terminal status. Only one caller wins
// the transition; the others get false.
func (s *Store) finish(ctx context.Context, j Job, status Status, msg string) (bool, error) {
	now := s.stamp()
	expr := "SET #status = :final, FinishedAt = :now, UpdatedAt = :now"
	vals := map[string]types.AttributeValue{
		":final": db.AttrS(string(status)),
		":now":   db.AttrS(now),
	}
	if msg != "" {
		expr += ", #err = :err"
		vals[":err"] = db.AttrS(msg)
	}
	names := map[string]string{"#status": "Status"}
	if msg != "" {
		names["#err"] = "Error"
	}

	// only the placeholder the condition uses may be sent
	cond := "#status = :running"
	if j.Status == StatusPending {
		cond = "#status = :pending"
		vals[":pending"] = db.AttrS(string(StatusPending))
	} else {
		vals[":running"] = db.AttrS(string(StatusRunning))
	}

	_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       db.Key(j.PK, j.SK),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: vals,
	})
	if err != nil {
		if db.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("finish etl job: %w", err)
	}
	return true, nil
}

// Fail marks the whole job failed, e.g. when it could not be enqueued.
func (s *Store) Fail(ctx context.Context, brandID, jobID string, cause error) error {
	j, err := s.Get(ctx, brandID, jobID)
	if err != nil {
		return err
	}
	if j.Status.Finished() {
		return nil
	}
	msg := strings.TrimSpace(fmt.Sprint(cause))
	_, err = s.finish(ctx, j, StatusFailed, msg)
	return err
}
