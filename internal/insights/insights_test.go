package insights

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"storepulse/internal/athenaq"
	"storepulse/internal/db/dbtest"
	"storepulse/internal/metrics"
)

const modelJSON = `{"headline": "Sales up {strongly}", "summary": "Net sales grew.", "highlights": ["ROAS 3.0"], "risks": [], "recommendations": ["Scale campaign c1"], "confidence": 0.8}`

func testRange(t *testing.T) metrics.DateRange {
	t.Helper()
	r, err := metrics.ParseRange("2025-06-01", "2025-06-07")
	require.NoError(t, err)
	return r
}

func testDashboard(t *testing.T) metrics.Dashboard {
	r := testRange(t)
	cur := metrics.Inputs{Orders: []metrics.Order{{ID: "1", CreatedAt: r.From.Add(2 * time.Hour), Total: 90, Currency: "USD"}}}
	return metrics.BuildDashboard(cur, &metrics.Inputs{}, r)
}

func TestParseNarrative(t *testing.T) {
	n, err := ParseNarrative("Here you go:\n```json\n" + modelJSON + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "Sales up {strongly}", n.Headline)
	assert.Equal(t, []string{"Scale campaign c1"}, n.Recommendations)
	assert.Equal(t, 0.8, n.Confidence)

	_, err = ParseNarrative("no json here")
	assert.Error(t, err)
	_, err = ParseNarrative(`{"confidence": 1}`)
	assert.ErrorContains(t, err, "empty")
}

func TestBuildPrompt(t *testing.T) {
	p, err := BuildPrompt(Request{
		BrandName: "Acme",
		Dashboard: testDashboard(t),
		History:   []DailyPoint{{Date: "2025-05-31", NetRevenue: 10}},
	})
	require.NoError(t, err)
	assert.Contains(t, p, "owner of Acme")
	assert.Contains(t, p, "Money is in USD")
	assert.Contains(t, p, "America/New_York")
	assert.Contains(t, p, "(2025-06-01 to 2025-06-07)")
	assert.Contains(t, p, `"date":"2025-05-31"`)
	assert.NotContains(t, p, `"buckets"`)
}

type fakeBedrock struct {
	body  map[string]any
	model string
}

func (f *fakeBedrock) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.model = aws.ToString(in.ModelId)
	if err := json.Unmarshal(in.Body, &f.body); err != nil {
		return nil, err
	}
	resp, _ := json.Marshal(map[string]any{"content": []map[string]string{{"type": "text", "text": modelJSON}}})
	return &bedrockruntime.InvokeModelOutput{Body: resp}, nil
}

func TestBedrockProvider(t *testing.T) {
	f := &fakeBedrock{}
	p := &BedrockProvider{Client: f, ModelID: "anthropic.claude"}
	text, err := p.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, modelJSON, text)
	assert.Equal(t, "anthropic.claude", f.model)
	assert.Equal(t, "bedrock-2023-05-31", f.body["anthropic_version"])
	assert.EqualValues(t, 900, f.body["max_tokens"])

	_, err = (&BedrockProvider{Client: f}).Complete(context.Background(), "x")
	assert.ErrorContains(t, err, "model id")
}

type fakeGenai struct {
	cfg *genai.GenerateContentConfig
	err error
}

func (f *fakeGenai) GenerateContent(_ context.Context, _ string, _ []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.cfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{Text: modelJSON}}},
	}}}, nil
}

func TestGeminiProvider(t *testing.T) {
	f := &fakeGenai{}
	p := &GeminiProvider{Models: f, Model: "gemini-2.5-flash"}
	text, err := p.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, modelJSON, text)
	assert.Equal(t, "application/json", f.cfg.ResponseMIMEType)

	f.err = errors.New("quota")
	_, err = p.Complete(context.Background(), "hello")
	assert.ErrorContains(t, err, "quota")
}

type countingProvider struct {
	calls int
}

func (p *countingProvider) Name() string { return "fake" }

func (p *countingProvider) Complete(context.Context, string) (string, error) {
	p.calls++
	return modelJSON, nil
}

type failingHistory struct{}

func (failingHistory) History(context.Context, string, metrics.DateRange, int) ([]DailyPoint, error) {
	return nil, errors.New("athena down")
}

func TestServiceCachesNarratives(t *testing.T) {
	ctx := context.Background()
	f := dbtest.New()
	cache := NewCache(f, "insights", time.Minute)
	now := time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	p := &countingProvider{}
	s := &Service{Provider: p, Cache: cache, History: failingHistory{}, HistoryDays: 28}

	first, err := s.Generate(ctx, "b1", "Acme", testRange(t), testDashboard(t))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "Net sales grew.", first.Narrative.Summary)

	second, err := s.Generate(ctx, "b1", "Acme", testRange(t), testDashboard(t))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Narrative, second.Narrative)
	assert.Equal(t, 1, p.calls)

	// expired entries are ignored
	now = now.Add(2 * time.Minute)
	third, err := s.Generate(ctx, "b1", "Acme", testRange(t), testDashboard(t))
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, p.calls)
}

type historyAthena struct{ sql string }

func (h *historyAthena) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	h.sql = aws.ToString(in.QueryString)
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q")}, nil
}

func (h *historyAthena) GetQueryExecution(context.Context, *athena.GetQueryExecutionInput, ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	return &athena.GetQueryExecutionOutput{QueryExecution: &athenatypes.QueryExecution{
		Status: &athenatypes.QueryExecutionStatus{State: athenatypes.QueryExecutionStateSucceeded},
	}}, nil
}

func (h *historyAthena) GetQueryResults(context.Context, *athena.GetQueryResultsInput, ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	cell := func(v string) athenatypes.Datum { return athenatypes.Datum{VarCharValue: aws.String(v)} }
	cols := []string{"metric_date", "net_revenue", "orders", "marketing_costs", "roas"}
	info := make([]athenatypes.ColumnInfo, 0, len(cols))
	header := athenatypes.Row{}
	for _, c := range cols {
		info = append(info, athenatypes.ColumnInfo{Name: aws.String(c)})
		header.Data = append(header.Data, cell(c))
	}
	return &athena.GetQueryResultsOutput{ResultSet: &athenatypes.ResultSet{
		ResultSetMetadata: &athenatypes.ResultSetMetadata{ColumnInfo: info},
		Rows: []athenatypes.Row{
			header,
			{Data: []athenatypes.Datum{cell("2025-05-30"), cell("200.5"), cell("4"), cell("50"), cell("2")}},
		},
	}}, nil
}

func TestAthenaHistory(t *testing.T) {
	a := &historyAthena{}
	h := &AthenaHistory{Client: a, Table: "daily_metrics", Options: athenaq.Options{Database: "analytics", OutputLocation: "s3://results/", PollInterval: time.Millisecond}}

	pts, err := h.History(context.Background(), "b-1", testRange(t), 7)
	require.NoError(t, err)
	assert.Equal(t, []DailyPoint{{Date: "2025-05-30", NetRevenue: 200.5, Orders: 4, MarketingCosts: 50, ROAS: 2}}, pts)
	assert.Contains(t, a.sql, "brand_id = 'b-1' AND dt BETWEEN '2025-05-25' AND '2025-05-31'")

	_, err = HistorySQL("daily_metrics", "b1' OR 1=1", testRange(t), 7)
	assert.Error(t, err)
}
