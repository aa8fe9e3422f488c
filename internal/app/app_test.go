package app

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse()
	require.NoError(t, err)
	cfg.BrandsTable = "brands"
	cfg.ConnectionsTable = "connections"
	cfg.OAuthStateTable = "oauth_state"
	cfg.OrdersTable = "orders"
	cfg.AdInsightsTable = "ads"
	cfg.ETLJobsTable = "etl_jobs"
	cfg.TokenEncKeyB64 = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	cfg.InsightsProvider = "none"
	return cfg
}

func newEnv(t *testing.T, cfg *config.Config) *Env {
	return New(cfg, aws.Config{Region: "us-east-1"}, "test")
}

func TestAPILeavesUnconfiguredIntegrationsNil(t *testing.T) {
	e := newEnv(t, testConfig(t))
	a, err := e.API(context.Background())
	require.NoError(t, err)
	assert.Nil(t, a.Shopify)
	assert.Nil(t, a.Syncer)
	assert.Nil(t, a.Meta)
	assert.Nil(t, a.Backfill)
	assert.Nil(t, a.Insights)
	assert.Nil(t, a.Alerts)
	assert.NotNil(t, a.Brands)
}

func TestAPIWiresConfiguredIntegrations(t *testing.T) {
	cfg := testConfig(t)
	cfg.ShopifyAPIKey, cfg.ShopifyAPISecret = "key", "secret"
	cfg.MetaAppID, cfg.MetaAppSecret = "app", "secret"
	cfg.UsersTable = "users"
	cfg.InsightsProvider = "bedrock"
	cfg.BedrockModelID = "anthropic.claude"

	e := newEnv(t, cfg)
	a, err := e.API(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, a.Shopify)
	assert.NotNil(t, a.Syncer)
	assert.NotNil(t, a.Meta)
	assert.NotNil(t, a.Backfill)
	assert.NotNil(t, a.Insights)
	assert.NotNil(t, a.Alerts)
	// backfill and the worker share one queue and pacer
	assert.Same(t, e.Queue(), e.Queue())
	assert.Same(t, e.Pacer(), e.Pacer())
}

func TestAPIRequiresTables(t *testing.T) {
	cfg := testConfig(t)
	cfg.OrdersTable = ""
	_, err := newEnv(t, cfg).API(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORDERS_TABLE")
}

func TestSealerRejectsShortKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.TokenEncKeyB64 = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err := newEnv(t, cfg).Sealer()
	assert.Error(t, err)
}

func TestInsightsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.InsightsProvider = "oracle"
	_, err := newEnv(t, cfg).Insights(context.Background())
	assert.Error(t, err)
}

func TestDailyMetricsNeedsBucket(t *testing.T) {
	_, err := newEnv(t, testConfig(t)).DailyMetrics()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANALYTICS_BUCKET")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"ads_read", "business_management"}, splitList(" ads_read, ,business_management "))
	assert.Nil(t, splitList(""))
}
