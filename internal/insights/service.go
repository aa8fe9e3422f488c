package insights

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"storepulse/internal/logging"
	"storepulse/internal/metrics"
)

type HistorySource interface {
	History(ctx context.Context, brandID string, r metrics.DateRange, days int) ([]DailyPoint, error)
}

type Service struct {
	Provider    Provider
	Cache       *Cache
	History     HistorySource
	HistoryDays int
	Log         *logrus.Entry
}

type Result struct {
	Narrative Narrative `json:"narrative"`
	Provider  string    `json:"provider"`
	Cached    bool      `json:"cached"`
	Generated string    `json:"generatedAt"`
}

// Generate writes a narrative for d. History and cache failures only
// degrade the answer; provider failures are returned.
func (s *Service) Generate(ctx context.Context, brandID, brandName string, r metrics.DateRange, d metrics.Dashboard) (Result, error) {
	log := s.Log
	if log == nil {
		log = logging.Named("insights")
	}
	log = log.WithFields(logrus.Fields{"brand_id": brandID, "provider": s.Provider.Name()})

	var history []DailyPoint
	if s.History != nil && s.HistoryDays > 0 {
		h, err := s.History.History(ctx, brandID, r, s.HistoryDays)
		if err != nil {
			log.WithError(err).Warn("insight history unavailable")
		}
		history = h
	}

	prompt, err := BuildPrompt(Request{BrandName: brandName, Dashboard: d, History: history})
	if err != nil {
		return Result{}, err
	}
	key := Key(s.Provider.Name(), prompt)

	cached, err := s.Cache.Get(ctx, brandID, key)
	if err != nil {
		log.WithError(err).Warn("insight cache read failed")
	}
	if cached != nil {
		return Result{Narrative: *cached, Provider: s.Provider.Name(), Cached: true}, nil
	}

	text, err := s.Provider.Complete(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	n, err := ParseNarrative(text)
	if err != nil {
		return Result{}, err
	}
	if err := s.Cache.Put(context.WithoutCancel(ctx), brandID, key, n); err != nil {
		log.WithError(err).Warn("insight cache write failed")
	}
	log.Info("insight generated")
	return Result{Narrative: n, Provider: s.Provider.Name(), Generated: time.Now().UTC().Format(time.RFC3339)}, nil
}
