package syncqueue

import (
	"context"
	"sync"
	"time"
)

// Usage thresholds, in percent of the Meta quota.
const (
	UsageThreshold = 75
	UsageCritical  = 90
)

// Pacer spaces out calls to a rate-limited API. The delay grows 20% on
// every throttle and shrinks 10% after a run of successes, no more than
// once per cooldown.
type Pacer struct {
	mu         sync.Mutex
	delay      time.Duration
	min, max   time.Duration
	successes  int
	threshold  int
	cooldown   time.Duration
	lastAdjust time.Time
	now        func() time.Time
}

func NewPacer(initial, minDelay, maxDelay time.Duration) *Pacer {
	if initial < minDelay {
		initial = minDelay
	}
	if initial > maxDelay {
		initial = maxDelay
	}
	return &Pacer{
		delay:      initial,
		min:        minDelay,
		max:        maxDelay,
		threshold:  5,
		cooldown:   10 * time.Second,
		lastAdjust: time.Now(),
		now:        time.Now,
	}
}

// Wait sleeps for the current delay or until ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pacer) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

func (p *Pacer) Success() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
	now := p.now()
	if now.Sub(p.lastAdjust) < p.cooldown || p.successes < p.threshold {
		return
	}
	d := time.Duration(float64(p.delay) * 0.9)
	if d < p.min {
		d = p.min
	}
	p.delay = d
	p.lastAdjust = now
	p.successes = 0
}

func (p *Pacer) Throttled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes = 0
	d := time.Duration(float64(p.delay) * 1.2)
	if d > p.max {
		d = p.max
	}
	p.delay = d
	p.lastAdjust = p.now()
}

// ObserveUsage feeds the highest quota percentage Meta reported.
func (p *Pacer) ObserveUsage(pct float64) {
	switch {
	case pct >= UsageCritical:
		p.mu.Lock()
		p.delay = p.max
		p.successes = 0
		p.lastAdjust = p.now()
		p.mu.Unlock()
	case pct >= UsageThreshold:
		p.Throttled()
	}
}
