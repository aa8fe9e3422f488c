package syncqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type state int

const (
	stateDelayed state = iota
	stateReady
	stateActive
	stateFailed
)

type memEntry struct {
	job   Job
	state state
	score int64 // lease expiry or failure time, unix millis
}

// MemoryStore is a process-local Store for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*memEntry{}}
}

func (m *MemoryStore) Add(_ context.Context, jobs ...Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		m.entries[j.ID] = &memEntry{job: j, state: stateDelayed}
	}
	return nil
}

func (m *MemoryStore) Pop(_ context.Context, now, leaseUntil time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *memEntry
	for _, e := range m.entries {
		if e.state == stateDelayed && !e.job.RunAt.After(now) {
			e.state = stateReady
		}
		if e.state != stateReady {
			continue
		}
		if best == nil || rank(e.job) < rank(best.job) ||
			(rank(e.job) == rank(best.job) && e.job.ID < best.job.ID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.state = stateActive
	best.score = leaseUntil.UnixMilli()
	j := best.job
	return &j, nil
}

func (m *MemoryStore) Ack(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, job.ID)
	return nil
}

func (m *MemoryStore) Retry(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[job.ID] = &memEntry{job: job, state: stateDelayed}
	return nil
}

func (m *MemoryStore) Bury(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[job.ID] = &memEntry{job: job, state: stateFailed, score: time.Now().UnixMilli()}
	return nil
}

func (m *MemoryStore) RecoverStalled(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.state == stateActive && e.score <= now.UnixMilli() {
			e.state = stateDelayed
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Counts(_ context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, e := range m.entries {
		switch e.state {
		case stateDelayed:
			c.Delayed++
		case stateReady:
			c.Ready++
		case stateActive:
			c.Active++
		case stateFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *MemoryStore) Failed(_ context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var es []*memEntry
	for _, e := range m.entries {
		if e.state == stateFailed {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool {
		if es[i].score != es[j].score {
			return es[i].score > es[j].score
		}
		return es[i].job.ID > es[j].job.ID
	})
	out := make([]Job, 0, len(es))
	for _, e := range es {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e.job)
	}
	return out, nil
}
