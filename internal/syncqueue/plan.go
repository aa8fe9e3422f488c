package syncqueue

import (
	"time"

	"storepulse/internal/metrics"
)

// MaxLookbackMonths is how far back the Meta insights API serves data.
const MaxLookbackMonths = 37

const dateLayout = "2006-01-02"

type PlanOptions struct {
	Now          time.Time
	LookbackDays int
	ChunkDays    int
	Stagger      time.Duration
	MaxAttempts  int
	Levels       []string
}

type window struct{ since, until time.Time }

// chunkWindows splits [start, end] (civil midnights, both inclusive) into
// windows of at most size days, newest first.
func chunkWindows(start, end time.Time, size int) []window {
	var out []window
	for cur := end; !cur.Before(start); {
		s := cur.AddDate(0, 0, -(size - 1))
		if s.Before(start) {
			s = start
		}
		out = append(out, window{since: s, until: cur})
		cur = s.AddDate(0, 0, -1)
	}
	return out
}

// PlanBackfill decomposes a historical Meta pull into queue jobs. The
// campaigns job comes first; insight chunks then cover the lookback window
// ending yesterday, newest first, with priority and delay growing per chunk.
// Every job carries the same TotalChunks so the ETL row can count them down.
func PlanBackfill(brandID, accountID, etlJobID string, opt PlanOptions) []Job {
	if opt.ChunkDays <= 0 {
		opt.ChunkDays = 30
	}
	if opt.LookbackDays <= 0 {
		opt.LookbackDays = 365
	}
	levels := opt.Levels
	if len(levels) == 0 {
		levels = []string{metrics.LevelCampaign}
	}

	today := metrics.StartOfDay(opt.Now)
	end := today.AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(opt.LookbackDays - 1))
	if horizon := today.AddDate(0, -MaxLookbackMonths, 0); start.Before(horizon) {
		start = horizon
	}

	jobs := []Job{{
		Kind:        KindCampaigns,
		BrandID:     brandID,
		AccountID:   accountID,
		ETLJobID:    etlJobID,
		Priority:    1,
		MaxAttempts: opt.MaxAttempts,
		RunAt:       opt.Now,
	}}

	seq := 0
	for i, w := range chunkWindows(start, end, opt.ChunkDays) {
		for _, level := range levels {
			seq++
			jobs = append(jobs, Job{
				Kind:        KindInsightsChunk,
				BrandID:     brandID,
				AccountID:   accountID,
				ETLJobID:    etlJobID,
				Level:       level,
				Since:       w.since.Format(dateLayout),
				Until:       w.until.Format(dateLayout),
				Chunk:       seq,
				Priority:    clampPriority(2 + i),
				MaxAttempts: opt.MaxAttempts,
				RunAt:       opt.Now.Add(time.Duration(seq-1) * opt.Stagger),
			})
		}
	}

	for i := range jobs {
		jobs[i].TotalChunks = len(jobs)
	}
	return jobs
}

// PlanIncremental refreshes the trailing attribution window, today included.
func PlanIncremental(brandID, accountID string, now time.Time, days int, levels []string) []Job {
	if days <= 0 {
		days = 3
	}
	if len(levels) == 0 {
		levels = []string{metrics.LevelCampaign}
	}
	today := metrics.StartOfDay(now)
	since := today.AddDate(0, 0, -(days - 1)).Format(dateLayout)
	until := today.Format(dateLayout)

	jobs := make([]Job, 0, len(levels))
	for _, level := range levels {
		jobs = append(jobs, Job{
			Kind:      KindIncremental,
			BrandID:   brandID,
			AccountID: accountID,
			Level:     level,
			Since:     since,
			Until:     until,
			Priority:  1,
			RunAt:     now,
		})
	}
	return jobs
}
