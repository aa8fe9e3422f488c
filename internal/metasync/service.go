// Package metasync binds the Meta Graph client to storage through the sync
// queue: it plans backfills, schedules incremental refreshes, and runs the
// queue handlers.
package metasync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"storepulse/internal/apperr"
	"storepulse/internal/connections"
	"storepulse/internal/etljobs"
	"storepulse/internal/logging"
	"storepulse/internal/meta"
	"storepulse/internal/metrics"
	"storepulse/internal/store"
	"storepulse/internal/syncqueue"
)

// Graph is the part of *meta.Client the handlers call.
type Graph interface {
	Campaigns(ctx context.Context, token, accountID string) ([]meta.Campaign, error)
	Insights(ctx context.Context, token, accountID, level, since, until string) ([]metrics.AdInsight, error)
}

// Notifier tells a brand's members about finished backfills.
type Notifier interface {
	NotifyBrand(ctx context.Context, brandID, subject, message string) error
}

type Service struct {
	Graph       Graph
	Connections *connections.Store
	Ads         *store.Ads
	Jobs        *etljobs.Store
	Queue       *syncqueue.Queue
	Pacer       *syncqueue.Pacer
	Notify      Notifier

	// Plan carries chunking defaults; Now is filled per call.
	Plan            syncqueue.PlanOptions
	IncrementalDays int

	Log *logrus.Entry
	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logging.Named("metasync")
}

// PaceUsage returns a meta.Client usage hook that slows the pacer as the
// account nears its quota.
func PaceUsage(p *syncqueue.Pacer) func(meta.Usage) {
	return func(u meta.Usage) {
		p.ObserveUsage(u.Max())
	}
}

// StartBackfill creates the ETL job row and enqueues the whole plan. Only
// one backfill per ad account may be unfinished at a time.
func (s *Service) StartBackfill(ctx context.Context, brandID, accountID string) (etljobs.Job, error) {
	accountID = meta.NormalizeAccountID(accountID)
	if accountID == "" {
		return etljobs.Job{}, apperr.Validation("accountId is required")
	}
	if _, _, err := s.Connections.Load(ctx, brandID, connections.Meta, accountID); err != nil {
		return etljobs.Job{}, err
	}
	active, err := s.Jobs.ActiveForAccount(ctx, brandID, accountID)
	if err != nil {
		return etljobs.Job{}, err
	}
	if active != nil {
		return etljobs.Job{}, apperr.Conflict("backfill %s for %s is still %s", active.JobID, accountID, active.Status)
	}

	opt := s.Plan
	opt.Now = s.clock()
	plan := syncqueue.PlanBackfill(brandID, accountID, "", opt)
	since, until := planWindow(plan)

	row, err := s.Jobs.Create(ctx, etljobs.Job{
		BrandID:     brandID,
		Platform:    string(connections.Meta),
		Kind:        "backfill",
		AccountID:   accountID,
		Status:      etljobs.StatusRunning,
		TotalChunks: len(plan),
		Since:       since,
		Until:       until,
	})
	if err != nil {
		return etljobs.Job{}, err
	}
	for i := range plan {
		plan[i].ETLJobID = row.JobID
	}
	if _, err := s.Queue.Enqueue(ctx, plan...); err != nil {
		// the row would otherwise wait forever for chunks that never run
		if ferr := s.Jobs.Fail(context.WithoutCancel(ctx), brandID, row.JobID, err); ferr != nil {
			s.log().WithError(ferr).Error("could not mark backfill failed")
		}
		return etljobs.Job{}, fmt.Errorf("enqueue backfill: %w", err)
	}

	s.log().WithFields(logrus.Fields{
		"brand_id":   brandID,
		"account_id": accountID,
		"job_id":     row.JobID,
		"chunks":     len(plan),
	}).Info("backfill enqueued")
	return row, nil
}

func planWindow(plan []syncqueue.Job) (since, until string) {
	for _, j := range plan {
		if j.Since == "" {
			continue
		}
		if since == "" || j.Since < since {
			since = j.Since
		}
		if j.Until > until {
			until = j.Until
		}
	}
	return since, until
}

// EnqueueIncremental schedules a trailing-window refresh for every
// connected Meta account. It returns how many jobs were queued.
func (s *Service) EnqueueIncremental(ctx context.Context) (int, error) {
	conns, err := s.Connections.ListPlatform(ctx, connections.Meta)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	var jobs []syncqueue.Job
	for _, c := range conns {
		jobs = append(jobs, syncqueue.PlanIncremental(c.BrandID, c.ExternalID, now, s.IncrementalDays, s.Plan.Levels)...)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if _, err := s.Queue.Enqueue(ctx, jobs...); err != nil {
		return 0, err
	}
	s.log().WithFields(logrus.Fields{"accounts": len(conns), "jobs": len(jobs)}).Info("incremental sync enqueued")
	return len(jobs), nil
}
