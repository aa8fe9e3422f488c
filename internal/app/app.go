// Package app builds the stores and services each entry point needs from
// the shared Config.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/sirupsen/logrus"

	"storepulse/internal/athenaq"
	"storepulse/internal/config"
	"storepulse/internal/connections"
	"storepulse/internal/db"
	"storepulse/internal/etl"
	"storepulse/internal/etljobs"
	"storepulse/internal/handlers"
	"storepulse/internal/insights"
	"storepulse/internal/logging"
	"storepulse/internal/meta"
	"storepulse/internal/metasync"
	"storepulse/internal/security"
	"storepulse/internal/shopify"
	"storepulse/internal/store"
	"storepulse/internal/syncqueue"
	"storepulse/internal/tenancy"
	"storepulse/internal/users"
)

type Env struct {
	Cfg *config.Config
	AWS aws.Config
	DDB *dynamodb.Client
	Log *logrus.Entry

	sealer *security.Sealer
	queue  *syncqueue.Queue
	pacer  *syncqueue.Pacer
}

// Load reads config, sets up logging and the AWS clients shared by every
// component.
func Load(ctx context.Context, component string) (*Env, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})

	awsCfg, err := config.LoadAWS(ctx)
	if err != nil {
		return nil, err
	}
	return New(cfg, awsCfg, component), nil
}

func New(cfg *config.Config, awsCfg aws.Config, component string) *Env {
	return &Env{
		Cfg: cfg,
		AWS: awsCfg,
		DDB: db.NewFromConfig(awsCfg),
		Log: logging.Named(component).WithField("stage", cfg.Stage),
	}
}

func (e *Env) Sealer() (*security.Sealer, error) {
	if e.sealer != nil {
		return e.sealer, nil
	}
	if err := config.Require("TOKEN_ENC_KEY_B64", e.Cfg.TokenEncKeyB64); err != nil {
		return nil, err
	}
	s, err := security.NewSealer(e.Cfg.TokenEncKeyB64)
	if err != nil {
		return nil, err
	}
	e.sealer = s
	return s, nil
}

func (e *Env) Brands() *tenancy.Brands {
	return tenancy.NewBrands(e.DDB, e.Cfg.BrandsTable, e.Cfg.BrandMembersIndex)
}

func (e *Env) Shops() *tenancy.Shops {
	return tenancy.NewShops(e.DDB, e.Cfg.ShopToBrandTable, e.Cfg.ShopToBrandIndex)
}

func (e *Env) Connections() (*connections.Store, error) {
	s, err := e.Sealer()
	if err != nil {
		return nil, err
	}
	return connections.NewStore(e.DDB, e.Cfg.ConnectionsTable, s), nil
}

func (e *Env) Orders() *store.Orders { return store.NewOrders(e.DDB, e.Cfg.OrdersTable) }
func (e *Env) Ads() *store.Ads       { return store.NewAds(e.DDB, e.Cfg.AdInsightsTable) }
func (e *Env) Jobs() *etljobs.Store  { return etljobs.NewStore(e.DDB, e.Cfg.ETLJobsTable) }

// Alerts is nil when no users table is configured.
func (e *Env) Alerts() *users.Alerts {
	if e.Cfg.UsersTable == "" {
		return nil
	}
	return users.NewAlerts(e.DDB, e.Cfg.UsersTable, sns.NewFromConfig(e.AWS), e.Brands(), e.Cfg.AlertsStage)
}

func (e *Env) Deduper() *shopify.Deduper {
	if e.Cfg.WebhookDedupeTable == "" {
		return nil
	}
	return shopify.NewDeduper(e.DDB, e.Cfg.WebhookDedupeTable)
}

// ShopifyClient is nil until the app key and secret are set.
func (e *Env) ShopifyClient() *shopify.Client {
	if e.Cfg.ShopifyAPIKey == "" || e.Cfg.ShopifyAPISecret == "" {
		return nil
	}
	return shopify.NewClient(shopify.Config{
		APIKey:     e.Cfg.ShopifyAPIKey,
		APISecret:  e.Cfg.ShopifyAPISecret,
		Scopes:     e.Cfg.ShopifyScopes,
		APIVersion: e.Cfg.ShopifyAPIVersion,
	})
}

func (e *Env) Pacer() *syncqueue.Pacer {
	if e.pacer == nil {
		e.pacer = syncqueue.NewPacer(time.Second, 200*time.Millisecond, time.Minute)
	}
	return e.pacer
}

// MetaClient is nil until the app id and secret are set. Quota usage from
// every response feeds the shared pacer.
func (e *Env) MetaClient() *meta.Client {
	if e.Cfg.MetaAppID == "" || e.Cfg.MetaAppSecret == "" {
		return nil
	}
	c := meta.NewClient(meta.Config{
		AppID:       e.Cfg.MetaAppID,
		AppSecret:   e.Cfg.MetaAppSecret,
		GraphURL:    e.Cfg.MetaGraphBaseURL,
		Version:     e.Cfg.MetaGraphVersion,
		Scopes:      splitList(e.Cfg.MetaScopes),
		RedirectURI: e.Cfg.MetaRedirectURI(),
	})
	c.OnUsage = metasync.PaceUsage(e.Pacer())
	return c
}

func (e *Env) Queue() *syncqueue.Queue {
	if e.queue == nil {
		rdb := syncqueue.NewRedisClient(e.Cfg.RedisURL)
		e.queue = syncqueue.New(syncqueue.NewRedisStore(rdb, e.Cfg.QueuePrefix), syncqueue.Options{
			MaxAttempts: e.Cfg.QueueMaxAttempts,
			Backoff:     e.Cfg.QueueBackoff(),
			Lease:       e.Cfg.QueueLease(),
		})
	}
	return e.queue
}

// MetaSync is nil when Meta is not configured.
func (e *Env) MetaSync() (*metasync.Service, error) {
	graph := e.MetaClient()
	if graph == nil {
		return nil, nil
	}
	conns, err := e.Connections()
	if err != nil {
		return nil, err
	}
	svc := &metasync.Service{
		Graph:       graph,
		Connections: conns,
		Ads:         e.Ads(),
		Jobs:        e.Jobs(),
		Queue:       e.Queue(),
		Pacer:       e.Pacer(),
		Plan: syncqueue.PlanOptions{
			LookbackDays: e.Cfg.QueueLookbackDays,
			ChunkDays:    e.Cfg.QueueChunkDays,
			Stagger:      e.Cfg.QueueStagger(),
			MaxAttempts:  e.Cfg.QueueMaxAttempts,
			Levels:       e.Cfg.InsightLevels(),
		},
		IncrementalDays: e.Cfg.IncrementalDays,
		Log:             e.Log.WithField("service", "metasync"),
	}
	if a := e.Alerts(); a != nil {
		svc.Notify = a
	}
	return svc, nil
}

// Worker consumes the sync queue with the Meta handlers.
func (e *Env) Worker(svc *metasync.Service) *syncqueue.Worker {
	return &syncqueue.Worker{
		Queue:       svc.Queue,
		Handlers:    svc.Handlers(),
		Concurrency: e.Cfg.QueueConcurrency,
		Poll:        e.Cfg.QueuePoll(),
		OnBuried:    svc.OnBuried,
		Log:         e.Log.WithField("service", "worker"),
	}
}

func (e *Env) AthenaOptions() athenaq.Options {
	return athenaq.Options{
		Database:       e.Cfg.AthenaDatabase,
		Workgroup:      e.Cfg.AthenaWorkgroup,
		OutputLocation: e.Cfg.AthenaOutput,
	}
}

// Insights is nil when the provider is "none" or left unconfigured.
func (e *Env) Insights(ctx context.Context) (*insights.Service, error) {
	var provider insights.Provider
	switch strings.ToLower(strings.TrimSpace(e.Cfg.InsightsProvider)) {
	case "bedrock":
		if e.Cfg.BedrockModelID == "" {
			return nil, nil
		}
		provider = &insights.BedrockProvider{
			Client:  bedrockruntime.NewFromConfig(e.AWS),
			ModelID: e.Cfg.BedrockModelID,
		}
	case "gemini":
		if e.Cfg.GeminiAPIKey == "" {
			return nil, nil
		}
		g, err := insights.NewGeminiProvider(ctx, e.Cfg.GeminiAPIKey, e.Cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		provider = g
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown INSIGHTS_PROVIDER %q", e.Cfg.InsightsProvider)
	}

	svc := &insights.Service{
		Provider:    provider,
		HistoryDays: e.Cfg.InsightsHistoryDays,
		Log:         e.Log.WithField("service", "insights"),
	}
	if e.Cfg.InsightsCacheTable != "" {
		svc.Cache = insights.NewCache(e.DDB, e.Cfg.InsightsCacheTable, e.Cfg.InsightsCacheTTL())
	}
	if e.Cfg.AthenaDatabase != "" && e.Cfg.AthenaOutput != "" {
		svc.History = &insights.AthenaHistory{
			Client:  athena.NewFromConfig(e.AWS),
			Options: e.AthenaOptions(),
			Table:   e.Cfg.DailyMetricsTable,
		}
	}
	return svc, nil
}

// API wires the HTTP handler. Integrations that are not configured are
// left nil and answer 503.
func (e *Env) API(ctx context.Context) (*handlers.API, error) {
	if err := config.Require(
		"BRANDS_TABLE", e.Cfg.BrandsTable,
		"CONNECTIONS_TABLE", e.Cfg.ConnectionsTable,
		"OAUTH_STATE_TABLE", e.Cfg.OAuthStateTable,
		"ORDERS_TABLE", e.Cfg.OrdersTable,
		"AD_INSIGHTS_TABLE", e.Cfg.AdInsightsTable,
	); err != nil {
		return nil, err
	}
	conns, err := e.Connections()
	if err != nil {
		return nil, err
	}
	orders := e.Orders()
	a := &handlers.API{
		Brands:      e.Brands(),
		Shops:       e.Shops(),
		Connections: conns,
		States:      connections.NewStateStore(e.DDB, e.Cfg.OAuthStateTable),
		Jobs:        e.Jobs(),
		Orders:      orders,
		Ads:         e.Ads(),
		Settings: handlers.Settings{
			FrontendBaseURL:       e.Cfg.FrontendBaseURL,
			ShopifyAPISecret:      e.Cfg.ShopifyAPISecret,
			ShopifyRedirectURI:    e.Cfg.ShopifyRedirectURI(),
			ShopifyEventSourceARN: e.Cfg.ShopifyEventSourceARN,
		},
		Log: e.Log,
	}

	// Interface fields stay nil rather than holding a typed nil pointer.
	if c := e.ShopifyClient(); c != nil {
		a.Shopify = c
		a.Syncer = &shopify.Syncer{Client: c, Connections: conns, Orders: orders, Log: e.Log.WithField("service", "shopify-sync")}
	}
	if c := e.MetaClient(); c != nil {
		a.Meta = c
	}
	svc, err := e.MetaSync()
	if err != nil {
		return nil, err
	}
	if svc != nil {
		a.Backfill = svc
	}
	ins, err := e.Insights(ctx)
	if err != nil {
		return nil, err
	}
	if ins != nil {
		a.Insights = ins
	}
	if al := e.Alerts(); al != nil {
		a.Alerts = al
	}
	return a, nil
}

func (e *Env) DailyMetrics() (*etl.DailyMetrics, error) {
	if err := config.Require(
		"BRANDS_TABLE", e.Cfg.BrandsTable,
		"ORDERS_TABLE", e.Cfg.OrdersTable,
		"AD_INSIGHTS_TABLE", e.Cfg.AdInsightsTable,
		"ANALYTICS_BUCKET", e.Cfg.AnalyticsBucket,
	); err != nil {
		return nil, err
	}
	job := &etl.DailyMetrics{
		Brands:       e.Brands(),
		Orders:       e.Orders(),
		Ads:          e.Ads(),
		S3:           s3.NewFromConfig(e.AWS),
		Bucket:       e.Cfg.AnalyticsBucket,
		Prefix:       e.Cfg.DailyMetricsPrefix,
		GlueDatabase: e.Cfg.GlueDatabase,
		GlueTable:    e.Cfg.DailyMetricsTable,
		DaysBack:     e.Cfg.ETLDaysBack,
		Parallelism:  e.Cfg.ETLParallelism,
		Log:          e.Log,
	}
	if e.Cfg.GlueDatabase != "" {
		job.Glue = glue.NewFromConfig(e.AWS)
	}
	return job, nil
}

func (e *Env) Athena() *athena.Client { return athena.NewFromConfig(e.AWS) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
