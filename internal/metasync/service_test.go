package metasync

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/apperr"
	"storepulse/internal/connections"
	"storepulse/internal/db/dbtest"
	"storepulse/internal/etljobs"
	"storepulse/internal/meta"
	"storepulse/internal/metrics"
	"storepulse/internal/security"
	"storepulse/internal/store"
	"storepulse/internal/syncqueue"
)

type fakeGraph struct {
	mu        sync.Mutex
	calls     []string
	failSince string
	limited   bool
}

func (g *fakeGraph) Campaigns(_ context.Context, token, accountID string) ([]meta.Campaign, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "campaigns "+accountID+" "+token)
	return []meta.Campaign{{ID: "c1", AccountID: accountID, Name: "Always on"}}, nil
}

func (g *fakeGraph) Insights(_ context.Context, _, accountID, level, since, until string) ([]metrics.AdInsight, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "insights "+accountID+" "+since+" "+until)
	if g.limited {
		return nil, apperr.RateLimited("meta", time.Minute, errors.New("user request limit reached"))
	}
	if since == g.failSince {
		return nil, errors.New("unsupported get request")
	}
	return []metrics.AdInsight{{AccountID: accountID, Level: level, ObjectID: "c1", CampaignID: "c1", Date: until, Spend: 12.5}}, nil
}

type fakeNotifier struct {
	subjects []string
}

func (n *fakeNotifier) NotifyBrand(_ context.Context, _, subject, _ string) error {
	n.subjects = append(n.subjects, subject)
	return nil
}

type fixture struct {
	svc    *Service
	graph  *fakeGraph
	notify *fakeNotifier
	worker *syncqueue.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := dbtest.New()
	sealer, err := security.NewSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("s", 32))))
	require.NoError(t, err)

	conns := connections.NewStore(f, "connections", sealer)
	_, err = conns.Save(context.Background(), connections.Connection{BrandID: "b1", Platform: connections.Meta, ExternalID: "act_1"}, "meta-token")
	require.NoError(t, err)

	g := &fakeGraph{}
	n := &fakeNotifier{}
	q := syncqueue.New(syncqueue.NewMemoryStore(), syncqueue.Options{MaxAttempts: 1})
	svc := &Service{
		Graph:       g,
		Connections: conns,
		Ads:         store.NewAds(f, "ads"),
		Jobs:        etljobs.NewStore(f, "etl"),
		Queue:       q,
		Pacer:       syncqueue.NewPacer(time.Millisecond, time.Millisecond, 5*time.Millisecond),
		Notify:      n,
		Plan:        syncqueue.PlanOptions{LookbackDays: 60, ChunkDays: 30, MaxAttempts: 1},
	}
	svc.now = func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) }

	return &fixture{
		svc:    svc,
		graph:  g,
		notify: n,
		worker: &syncqueue.Worker{Queue: q, Handlers: svc.Handlers(), OnBuried: svc.OnBuried},
	}
}

func (fx *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		worked, err := fx.worker.RunOnce(context.Background())
		require.NoError(t, err)
		if !worked {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func TestBackfillRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	row, err := fx.svc.StartBackfill(ctx, "b1", "1")
	require.NoError(t, err)
	assert.Equal(t, "act_1", row.AccountID)
	assert.Equal(t, etljobs.StatusRunning, row.Status)
	assert.Equal(t, 3, row.TotalChunks)
	assert.Equal(t, "2025-04-11", row.Since)
	assert.Equal(t, "2025-06-09", row.Until)

	_, err = fx.svc.StartBackfill(ctx, "b1", "act_1")
	assert.Equal(t, 409, apperr.Status(err))

	fx.drain(t)

	got, err := fx.svc.Jobs.Get(ctx, "b1", row.JobID)
	require.NoError(t, err)
	assert.Equal(t, etljobs.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.DoneChunks)
	assert.Equal(t, 100.0, got.Progress())
	assert.Equal(t, []string{"Meta Ads backfill complete"}, fx.notify.subjects)

	// campaigns first, then the newest chunk
	require.Len(t, fx.graph.calls, 3)
	assert.Equal(t, "campaigns act_1 meta-token", fx.graph.calls[0])
	assert.Equal(t, "insights act_1 2025-05-11 2025-06-09", fx.graph.calls[1])

	r, err := metrics.ParseRange("2025-04-01", "2025-06-30")
	require.NoError(t, err)
	rows, err := fx.svc.Ads.AdInsights(ctx, "b1", r)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	campaigns, err := fx.svc.Ads.Campaigns(ctx, "b1", "act_1")
	require.NoError(t, err)
	assert.Len(t, campaigns, 1)

	// a finished backfill no longer blocks a new one
	_, err = fx.svc.StartBackfill(ctx, "b1", "act_1")
	assert.NoError(t, err)
}

func TestRedeliveredChunkDoesNotFinishBackfill(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	row, err := fx.svc.StartBackfill(ctx, "b1", "act_1")
	require.NoError(t, err)
	require.Equal(t, 3, row.TotalChunks)

	var jobs []syncqueue.Job
	for {
		j, err := fx.svc.Queue.Next(ctx)
		require.NoError(t, err)
		if j == nil {
			break
		}
		jobs = append(jobs, *j)
	}
	require.Len(t, jobs, 3)
	require.Equal(t, syncqueue.KindCampaigns, jobs[0].Kind)

	handlers := fx.svc.Handlers()
	// the campaigns job runs twice, as after a lost ack or an expired lease
	require.NoError(t, handlers[jobs[0].Kind](ctx, jobs[0]))
	require.NoError(t, handlers[jobs[0].Kind](ctx, jobs[0]))
	require.NoError(t, handlers[jobs[1].Kind](ctx, jobs[1]))

	got, err := fx.svc.Jobs.Get(ctx, "b1", row.JobID)
	require.NoError(t, err)
	assert.Equal(t, etljobs.StatusRunning, got.Status)
	assert.Equal(t, 2, got.DoneChunks)
	assert.Empty(t, fx.notify.subjects)

	require.NoError(t, handlers[jobs[2].Kind](ctx, jobs[2]))
	got, err = fx.svc.Jobs.Get(ctx, "b1", row.JobID)
	require.NoError(t, err)
	assert.Equal(t, etljobs.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.DoneChunks)
	assert.Equal(t, []string{"Meta Ads backfill complete"}, fx.notify.subjects)
}

func TestBackfillCountsBuriedChunks(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.graph.failSince = "2025-04-11"

	row, err := fx.svc.StartBackfill(ctx, "b1", "act_1")
	require.NoError(t, err)
	fx.drain(t)

	got, err := fx.svc.Jobs.Get(ctx, "b1", row.JobID)
	require.NoError(t, err)
	assert.Equal(t, etljobs.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, 2, got.DoneChunks)
	assert.Equal(t, 1, got.FailedChunks)
	assert.Equal(t, []string{"Meta Ads backfill finished with errors"}, fx.notify.subjects)

	counts, err := fx.svc.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Failed)
}

func TestRateLimitDefersAndSlowsPacer(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.graph.limited = true
	before := fx.svc.Pacer.Delay()

	_, err := fx.svc.Queue.Enqueue(ctx, syncqueue.PlanIncremental("b1", "act_1", time.Now(), 3, nil)...)
	require.NoError(t, err)
	fx.drain(t)

	counts, err := fx.svc.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Delayed)
	assert.Zero(t, counts.Failed)
	assert.Greater(t, fx.svc.Pacer.Delay(), before)
}

func TestStartBackfillNeedsConnection(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.StartBackfill(context.Background(), "b1", "act_404")
	assert.True(t, apperr.IsNotFound(err))

	_, err = fx.svc.StartBackfill(context.Background(), "b1", " ")
	assert.Equal(t, 400, apperr.Status(err))
}

func TestEnqueueIncrementalUpdatesLastSync(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	_, err := fx.svc.Connections.Save(ctx, connections.Connection{BrandID: "b2", Platform: connections.Meta, ExternalID: "act_2"}, "tok2")
	require.NoError(t, err)
	_, err = fx.svc.Connections.Save(ctx, connections.Connection{BrandID: "b2", Platform: connections.Shopify, ExternalID: "x.myshopify.com"}, "tok3")
	require.NoError(t, err)

	n, err := fx.svc.EnqueueIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	fx.drain(t)

	c, _, err := fx.svc.Connections.Load(ctx, "b2", connections.Meta, "act_2")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-10T12:00:00Z", c.LastSyncAt)
	assert.Contains(t, fx.graph.calls, "insights act_2 2025-06-08 2025-06-10")
}

func TestPaceUsage(t *testing.T) {
	p := syncqueue.NewPacer(time.Second, time.Second, time.Minute)
	hook := PaceUsage(p)
	hook(meta.Usage{App: 10})
	assert.Equal(t, time.Second, p.Delay())
	hook(meta.Usage{AdAccount: 95})
	assert.Equal(t, time.Minute, p.Delay())
}
