// Package syncqueue is the retrying job queue behind Meta Ads syncing.
// Jobs carry a priority (1 runs first) and a RunAt; a job is only handed
// out once RunAt has passed, and among ready jobs the lowest priority wins,
// earliest RunAt breaking ties.
package syncqueue

import (
	"strconv"
	"time"
)

type Kind string

const (
	KindCampaigns     Kind = "meta_campaigns"
	KindInsightsChunk Kind = "meta_insights_chunk"
	KindIncremental   Kind = "meta_incremental"
)

const (
	MinPriority     = 1
	MaxPriority     = 100
	DefaultPriority = 50
)

type Job struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	BrandID     string    `json:"brandId"`
	AccountID   string    `json:"accountId"`
	ETLJobID    string    `json:"etlJobId,omitempty"`
	Level       string    `json:"level,omitempty"`
	Since       string    `json:"since,omitempty"` // YYYY-MM-DD inclusive
	Until       string    `json:"until,omitempty"` // YYYY-MM-DD inclusive
	Chunk       int       `json:"chunk"`
	TotalChunks int       `json:"totalChunks"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Deferrals   int       `json:"deferrals"`
	RunAt       time.Time `json:"runAt"`
	CreatedAt   time.Time `json:"createdAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// Tracked reports whether the job belongs to an ETL job row.
func (j Job) Tracked() bool { return j.ETLJobID != "" }

// rank orders ready jobs: priority first, then RunAt in milliseconds.
// Unix millis stay below 1e13 until the year 2286, and 100*1e13 fits a
// float64 exactly, so the value survives Redis sorted-set scores.
func rank(j Job) int64 {
	return int64(j.Priority)*1e13 + j.RunAt.UnixMilli()
}

func rankString(j Job) string { return strconv.FormatInt(rank(j), 10) }

func clampPriority(p int) int {
	switch {
	case p <= 0:
		return DefaultPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}

type Counts struct {
	Delayed int64 `json:"delayed"`
	Ready   int64 `json:"ready"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}
