package metasync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"storepulse/internal/apperr"
	"storepulse/internal/connections"
	"storepulse/internal/etljobs"
	"storepulse/internal/syncqueue"
)

// Handlers returns the queue handlers for every Meta job kind.
func (s *Service) Handlers() map[syncqueue.Kind]syncqueue.Handler {
	return map[syncqueue.Kind]syncqueue.Handler{
		syncqueue.KindCampaigns:     s.handleCampaigns,
		syncqueue.KindInsightsChunk: s.handleInsightsChunk,
		syncqueue.KindIncremental:   s.handleIncremental,
	}
}

func (s *Service) token(ctx context.Context, job syncqueue.Job) (string, error) {
	_, tok, err := s.Connections.Load(ctx, job.BrandID, connections.Meta, job.AccountID)
	return tok, err
}

// paced waits for the pacer, runs fn, and feeds the outcome back.
func (s *Service) paced(ctx context.Context, fn func() error) error {
	if s.Pacer == nil {
		return fn()
	}
	if err := s.Pacer.Wait(ctx); err != nil {
		return err
	}
	err := fn()
	if _, limited := apperr.RetryAfter(err); limited {
		s.Pacer.Throttled()
	} else if err == nil {
		s.Pacer.Success()
	}
	return err
}

func (s *Service) handleCampaigns(ctx context.Context, job syncqueue.Job) error {
	tok, err := s.token(ctx, job)
	if err != nil {
		return err
	}
	return s.paced(ctx, func() error {
		campaigns, err := s.Graph.Campaigns(ctx, tok, job.AccountID)
		if err != nil {
			return err
		}
		if err := s.Ads.PutCampaigns(ctx, job.BrandID, campaigns); err != nil {
			return err
		}
		return s.chunkDone(ctx, job)
	})
}

func (s *Service) pullInsights(ctx context.Context, job syncqueue.Job) error {
	tok, err := s.token(ctx, job)
	if err != nil {
		return err
	}
	return s.paced(ctx, func() error {
		rows, err := s.Graph.Insights(ctx, tok, job.AccountID, job.Level, job.Since, job.Until)
		if err != nil {
			return err
		}
		return s.Ads.PutAdInsights(ctx, job.BrandID, rows)
	})
}

func (s *Service) handleInsightsChunk(ctx context.Context, job syncqueue.Job) error {
	if err := s.pullInsights(ctx, job); err != nil {
		return err
	}
	return s.chunkDone(ctx, job)
}

func (s *Service) handleIncremental(ctx context.Context, job syncqueue.Job) error {
	if err := s.pullInsights(ctx, job); err != nil {
		return err
	}
	return s.Connections.UpdateLastSync(ctx, job.BrandID, connections.Meta, job.AccountID,
		s.clock().UTC().Format(time.RFC3339))
}

func (s *Service) chunkDone(ctx context.Context, job syncqueue.Job) error {
	if !job.Tracked() {
		return nil
	}
	row, finished, err := s.Jobs.MarkChunkDone(context.WithoutCancel(ctx), job.BrandID, job.ETLJobID, job.Chunk)
	if err != nil {
		return err
	}
	if finished {
		s.finished(ctx, row)
	}
	return nil
}

// OnBuried counts a permanently failed chunk against its ETL job.
func (s *Service) OnBuried(ctx context.Context, job syncqueue.Job, cause error) {
	if !job.Tracked() {
		return
	}
	log := s.log().WithFields(logrus.Fields{"brand_id": job.BrandID, "job_id": job.ETLJobID, "chunk": job.Chunk})
	row, finished, err := s.Jobs.MarkChunkFailed(ctx, job.BrandID, job.ETLJobID, job.Chunk)
	if err != nil {
		log.WithError(err).Error("could not count failed chunk")
		return
	}
	log.WithError(cause).WithField("failed_chunks", row.FailedChunks).Warn("backfill chunk failed")
	if finished {
		s.finished(ctx, row)
	}
}

func (s *Service) finished(ctx context.Context, row etljobs.Job) {
	log := s.log().WithFields(logrus.Fields{
		"brand_id": row.BrandID,
		"job_id":   row.JobID,
		"status":   row.Status,
	})
	log.Info("backfill finished")
	if s.Notify == nil {
		return
	}
	subject := "Meta Ads backfill complete"
	if row.Status == etljobs.StatusCompletedWithErrors {
		subject = "Meta Ads backfill finished with errors"
	}
	msg := fmt.Sprintf("Ad account %s: %d of %d chunks synced (%s to %s).",
		row.AccountID, row.DoneChunks, row.TotalChunks, row.Since, row.Until)
	if row.FailedChunks > 0 {
		msg += fmt.Sprintf(" %d chunks failed and were not retried.", row.FailedChunks)
	}
	if err := s.Notify.NotifyBrand(context.WithoutCancel(ctx), row.BrandID, subject, msg); err != nil {
		log.WithError(err).Warn("backfill notification failed")
	}
}
