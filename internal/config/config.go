package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// Config is read from the process environment. Every Lambda and the
// sync worker share it; each entry point checks the fields it needs with Require.
type Config struct {
	Stage     string `env:"STAGE" envDefault:"dev"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"`

	BrandsTable        string `env:"BRANDS_TABLE"`
	BrandMembersIndex  string `env:"BRAND_MEMBERS_GSI" envDefault:"GSI_UserSub"`
	ConnectionsTable   string `env:"CONNECTIONS_TABLE"`
	OAuthStateTable    string `env:"OAUTH_STATE_TABLE"`
	ShopToBrandTable   string `env:"SHOP_TO_BRAND_TABLE"`
	ShopToBrandIndex   string `env:"SHOP_TO_BRAND_GSI_BRAND" envDefault:"GSI_BrandId"`
	OrdersTable        string `env:"ORDERS_TABLE"`
	AdInsightsTable    string `env:"AD_INSIGHTS_TABLE"`
	ETLJobsTable       string `env:"ETL_JOBS_TABLE"`
	UsersTable         string `env:"USERS_TABLE"`
	WebhookDedupeTable string `env:"SHOPIFY_WEBHOOK_DEDUPE_TABLE"`

	TokenEncKeyB64      string `env:"TOKEN_ENC_KEY_B64"`
	TokenEncKeySSMParam string `env:"TOKEN_ENC_KEY_SSM_PARAM"`

	FrontendBaseURL string `env:"FRONTEND_BASE_URL"`

	ShopifyAPIKey            string `env:"SHOPIFY_API_KEY"`
	ShopifyAPISecret         string `env:"SHOPIFY_API_SECRET"`
	ShopifyAPISecretSSMParam string `env:"SHOPIFY_API_SECRET_SSM_PARAM"`
	ShopifyScopes            string `env:"SHOPIFY_SCOPES" envDefault:"read_orders,read_customers,read_products"`
	ShopifyRedirectBase      string `env:"SHOPIFY_REDIRECT_BASE"`
	ShopifyAPIVersion        string `env:"SHOPIFY_API_VERSION" envDefault:"2026-01"`
	ShopifyEventSourceARN    string `env:"SHOPIFY_EVENTBRIDGE_SOURCE_ARN"`

	MetaAppID             string `env:"META_APP_ID"`
	MetaAppSecret         string `env:"META_APP_SECRET"`
	MetaAppSecretSSMParam string `env:"META_APP_SECRET_SSM_PARAM"`
	MetaGraphBaseURL      string `env:"META_GRAPH_BASE_URL" envDefault:"https://graph.facebook.com"`
	MetaGraphVersion      string `env:"META_GRAPH_VERSION" envDefault:"v21.0"`
	MetaScopes            string `env:"META_SCOPES" envDefault:"ads_read,business_management"`
	MetaRedirectBase      string `env:"META_REDIRECT_BASE"`

	RedisURL             string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	QueuePrefix          string `env:"QUEUE_PREFIX" envDefault:"metasync"`
	QueueConcurrency     int    `env:"QUEUE_CONCURRENCY" envDefault:"4"`
	QueueChunkDays       int    `env:"QUEUE_CHUNK_DAYS" envDefault:"30"`
	QueueLookbackDays    int    `env:"QUEUE_LOOKBACK_DAYS" envDefault:"365"`
	QueueStaggerSeconds  int    `env:"QUEUE_STAGGER_SECONDS" envDefault:"20"`
	QueueMaxAttempts     int    `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueBackoffSeconds  int    `env:"QUEUE_BACKOFF_SECONDS" envDefault:"30"`
	QueueLeaseSeconds    int    `env:"QUEUE_LEASE_SECONDS" envDefault:"600"`
	QueuePollMillis      int    `env:"QUEUE_POLL_MILLIS" envDefault:"1000"`
	MetaInsightLevels    string `env:"META_INSIGHT_LEVELS" envDefault:"campaign"`
	IncrementalDays      int    `env:"INCREMENTAL_DAYS" envDefault:"3"`
	IncrementalSchedule  string `env:"INCREMENTAL_SCHEDULE" envDefault:"0 15 */6 * * *"`
	RecoverStallSchedule string `env:"RECOVER_STALLED_SCHEDULE" envDefault:"0 */5 * * * *"`

	AnalyticsBucket    string `env:"ANALYTICS_BUCKET"`
	DailyMetricsPrefix string `env:"DAILY_METRICS_PREFIX" envDefault:"daily_metrics/"`
	ETLDaysBack        int    `env:"ETL_DAYS_BACK" envDefault:"1"`
	ETLParallelism     int    `env:"ETL_PARALLELISM" envDefault:"4"`
	GlueDatabase       string `env:"GLUE_DATABASE"`
	DailyMetricsTable  string `env:"DAILY_METRICS_TABLE" envDefault:"daily_metrics"`
	AthenaDatabase     string `env:"ATHENA_DATABASE"`
	AthenaWorkgroup    string `env:"ATHENA_WORKGROUP" envDefault:"primary"`
	AthenaOutput       string `env:"ATHENA_OUTPUT"`

	AlertsStage string `env:"ALERTS_STAGE" envDefault:"dev"`

	InsightsProvider        string `env:"INSIGHTS_PROVIDER" envDefault:"bedrock"`
	InsightsCacheTable      string `env:"INSIGHTS_CACHE_TABLE"`
	InsightsCacheTTLSeconds int    `env:"INSIGHTS_CACHE_TTL_SECONDS" envDefault:"900"`
	InsightsHistoryDays     int    `env:"INSIGHTS_HISTORY_DAYS" envDefault:"28"`
	BedrockModelID          string `env:"BEDROCK_MODEL_ID"`
	GeminiAPIKey            string `env:"GEMINI_API_KEY"`
	GeminiAPIKeySSMParam    string `env:"GEMINI_API_KEY_SSM_PARAM"`
	GeminiModel             string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
}

// SSMClient is the subset of the SSM API used to resolve secrets.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Load reads .env (if present), parses the environment and resolves any
// secrets that were given as SSM parameter names.
func Load(ctx context.Context) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if !cfg.needsSSM() {
		return cfg, nil
	}

	awsCfg, err := LoadAWS(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(ctx, ssm.NewFromConfig(awsCfg)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadAWS uses the Lambda execution role or the local profile.
func LoadAWS(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func (c *Config) needsSSM() bool {
	return c.TokenEncKeySSMParam != "" || c.ShopifyAPISecretSSMParam != "" ||
		c.MetaAppSecretSSMParam != "" || c.GeminiAPIKeySSMParam != ""
}

// ResolveSecrets fills secret fields from SSM. A value already present in
// the environment wins over the parameter.
func (c *Config) ResolveSecrets(ctx context.Context, client SSMClient) error {
	targets := []struct {
		param string
		dst   *string
	}{
		{c.TokenEncKeySSMParam, &c.TokenEncKeyB64},
		{c.ShopifyAPISecretSSMParam, &c.ShopifyAPISecret},
		{c.MetaAppSecretSSMParam, &c.MetaAppSecret},
		{c.GeminiAPIKeySSMParam, &c.GeminiAPIKey},
	}
	for _, t := range targets {
		if t.param == "" || *t.dst != "" {
			continue
		}
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(t.param),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("ssm get %s: %w", t.param, err)
		}
		if out.Parameter == nil {
			return fmt.Errorf("ssm get %s: empty parameter", t.param)
		}
		*t.dst = aws.ToString(out.Parameter.Value)
	}
	return nil
}

// Require takes name/value pairs and reports every empty value.
func Require(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing env: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) QueueStagger() time.Duration {
	return time.Duration(c.QueueStaggerSeconds) * time.Second
}

func (c *Config) QueueBackoff() time.Duration {
	return time.Duration(c.QueueBackoffSeconds) * time.Second
}

func (c *Config) QueueLease() time.Duration {
	return time.Duration(c.QueueLeaseSeconds) * time.Second
}

func (c *Config) QueuePoll() time.Duration {
	return time.Duration(c.QueuePollMillis) * time.Millisecond
}

func (c *Config) InsightsCacheTTL() time.Duration {
	return time.Duration(c.InsightsCacheTTLSeconds) * time.Second
}

// InsightLevels splits META_INSIGHT_LEVELS ("campaign,adset").
func (c *Config) InsightLevels() []string {
	var out []string
	for _, l := range strings.Split(c.MetaInsightLevels, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return []string{"campaign"}
	}
	return out
}

func (c *Config) ShopifyRedirectURI() string {
	return strings.TrimRight(c.ShopifyRedirectBase, "/") + "/integrations/shopify/callback"
}

func (c *Config) MetaRedirectURI() string {
	return strings.TrimRight(c.MetaRedirectBase, "/") + "/integrations/meta/callback"
}
