package etl

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/athenaq"
	"storepulse/internal/metrics"
)

func ny(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, metrics.Location())
}

type staticBrands []string

func (b staticBrands) AllBrandIDs(context.Context) ([]string, error) { return b, nil }

type fakeOrders map[string][]metrics.Order

func (f fakeOrders) Range(_ context.Context, brandID string, r metrics.DateRange) ([]metrics.Order, []metrics.Refund, error) {
	var out []metrics.Order
	for _, o := range f[brandID] {
		if r.Contains(o.CreatedAt) {
			out = append(out, o)
		}
	}
	refunds := []metrics.Refund{{ID: "r1", CreatedAt: ny(2025, 6, 10, 9), Amount: 5}}
	return out, refunds, nil
}

type fakeAds struct{}

func (fakeAds) AdInsights(context.Context, string, metrics.DateRange) ([]metrics.AdInsight, error) {
	return []metrics.AdInsight{{Level: metrics.LevelCampaign, CampaignID: "c1", Date: "2025-06-10", Spend: 20, PurchaseValue: 60}}, nil
}

type fakeS3 struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objs == nil {
		f.objs = map[string][]byte{}
	}
	f.objs[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

type fakeGlue struct {
	mu       sync.Mutex
	created  []gluetypes.PartitionInput
	existing map[string]bool
}

func (f *fakeGlue) GetTable(_ context.Context, in *glue.GetTableInput, _ ...func(*glue.Options)) (*glue.GetTableOutput, error) {
	return &glue.GetTableOutput{Table: &gluetypes.Table{
		Name: in.Name,
		PartitionKeys: []gluetypes.Column{
			{Name: aws.String("dt"), Type: aws.String("string")},
			{Name: aws.String("brand_id"), Type: aws.String("string")},
		},
		StorageDescriptor: &gluetypes.StorageDescriptor{
			Location:    aws.String("s3://lake/daily_metrics/"),
			InputFormat: aws.String("org.apache.hadoop.hive.ql.io.parquet.MapredParquetInputFormat"),
		},
	}}, nil
}

func (f *fakeGlue) CreatePartition(_ context.Context, in *glue.CreatePartitionInput, _ ...func(*glue.Options)) (*glue.CreatePartitionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := in.PartitionInput.Values[0] + "/" + in.PartitionInput.Values[1]
	if f.existing[k] {
		return nil, &gluetypes.AlreadyExistsException{Message: aws.String("exists")}
	}
	f.created = append(f.created, *in.PartitionInput)
	return &glue.CreatePartitionOutput{}, nil
}

func TestDailyMetricsRun(t *testing.T) {
	s3c := &fakeS3{}
	gl := &fakeGlue{existing: map[string]bool{"2025-06-09/b2": true}}
	h := &DailyMetrics{
		Brands: staticBrands{"b1", "b2"},
		Orders: fakeOrders{
			"b1": {
				{ID: "1", CreatedAt: ny(2025, 6, 9, 22), Total: 100},
				{ID: "2", CreatedAt: ny(2025, 6, 10, 8), Total: 50},
			},
		},
		Ads:          fakeAds{},
		S3:           s3c,
		Glue:         gl,
		Bucket:       "lake",
		Prefix:       "daily_metrics",
		GlueDatabase: "analytics",
		GlueTable:    "daily_metrics",
		DaysBack:     2,
		Parallelism:  2,
		now:          func() time.Time { return ny(2025, 6, 10, 12) },
	}

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Brands: 2, Days: 2, Written: 4, Orders: 2, Partitions: 3, From: "2025-06-09", To: "2025-06-10"}, res)

	keys := make([]string, 0, len(s3c.objs))
	for k, b := range s3c.objs {
		keys = append(keys, k)
		require.GreaterOrEqual(t, len(b), 8)
		assert.Equal(t, "PAR1", string(b[:4]))
		assert.Equal(t, "PAR1", string(b[len(b)-4:]))
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"daily_metrics/dt=2025-06-09/brand_id=b1/part-0.parquet",
		"daily_metrics/dt=2025-06-09/brand_id=b2/part-0.parquet",
		"daily_metrics/dt=2025-06-10/brand_id=b1/part-0.parquet",
		"daily_metrics/dt=2025-06-10/brand_id=b2/part-0.parquet",
	}, keys)

	require.Len(t, gl.created, 3)
	for _, p := range gl.created {
		loc := aws.ToString(p.StorageDescriptor.Location)
		assert.Equal(t, "s3://lake/daily_metrics/dt="+p.Values[0]+"/brand_id="+p.Values[1]+"/", loc)
		assert.NotNil(t, p.StorageDescriptor.InputFormat)
	}
}

func TestNewDailyMetricsRow(t *testing.T) {
	day := metrics.DayRange(ny(2025, 6, 10, 0))
	orders := []metrics.Order{
		{ID: "1", CreatedAt: ny(2025, 6, 9, 22), Total: 100},
		{ID: "2", CreatedAt: ny(2025, 6, 10, 8), Total: 50, CustomerID: "c1", CustomerOrderCount: 1},
	}
	refunds := []metrics.Refund{{ID: "r1", CreatedAt: ny(2025, 6, 10, 9), Amount: 5}}
	ads := []metrics.AdInsight{{Level: metrics.LevelCampaign, CampaignID: "c1", Date: "2025-06-10", Spend: 20, PurchaseValue: 60}}

	row := NewDailyMetricsRow(day, orders, refunds, ads)
	assert.Equal(t, "2025-06-10", row.MetricDate)
	assert.Equal(t, 50.0, row.GrossRevenue)
	assert.Equal(t, 5.0, row.Refunds)
	assert.Equal(t, 45.0, row.NetRevenue)
	assert.EqualValues(t, 1, row.Orders)
	assert.EqualValues(t, 1, row.NewCustomers)
	assert.Equal(t, 20.0, row.MarketingCosts)
	assert.Equal(t, 3.0, row.ROAS)
	assert.Zero(t, row.ProductCosts)
}

func TestDailyMetricsNeedsBucket(t *testing.T) {
	_, err := (&DailyMetrics{}).Run(context.Background())
	assert.ErrorContains(t, err, "bucket")
}

func TestWindowClampsDaysBack(t *testing.T) {
	now := func() time.Time { return ny(2025, 6, 10, 12) }

	w := (&DailyMetrics{DaysBack: 500, now: now}).Window()
	assert.Equal(t, "2025-03-13", w.FromDate())
	assert.Equal(t, "2025-06-10", w.ToDate())

	w = (&DailyMetrics{DaysBack: MaxDaysBack, now: now}).Window()
	assert.Equal(t, "2025-03-13", w.FromDate())

	w = (&DailyMetrics{DaysBack: 0, now: now}).Window()
	assert.Equal(t, "2025-06-10", w.FromDate())
	assert.Equal(t, "2025-06-10", w.ToDate())
}

type fakeAthena struct {
	sql   string
	state athenatypes.QueryExecutionState
}

func (f *fakeAthena) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	f.sql = aws.ToString(in.QueryString)
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-9")}, nil
}

func (f *fakeAthena) GetQueryExecution(context.Context, *athena.GetQueryExecutionInput, ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	return &athena.GetQueryExecutionOutput{QueryExecution: &athenatypes.QueryExecution{
		Status: &athenatypes.QueryExecutionStatus{State: f.state, StateChangeReason: aws.String("access denied")},
	}}, nil
}

func (f *fakeAthena) GetQueryResults(context.Context, *athena.GetQueryResultsInput, ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	return nil, errors.New("not used")
}

func TestRepairPartitions(t *testing.T) {
	opt := athenaq.Options{Database: "analytics", OutputLocation: "s3://results/", PollInterval: time.Millisecond}

	f := &fakeAthena{state: athenatypes.QueryExecutionStateSucceeded}
	res, err := RepairPartitions(context.Background(), f, "daily_metrics", opt)
	require.NoError(t, err)
	assert.Equal(t, "MSCK REPAIR TABLE daily_metrics", f.sql)
	assert.True(t, res.Ok)
	assert.Equal(t, "q-9", res.QueryID)

	f = &fakeAthena{state: athenatypes.QueryExecutionStateFailed}
	res, err = RepairPartitions(context.Background(), f, "daily_metrics", opt)
	assert.ErrorContains(t, err, "access denied")
	assert.False(t, res.Ok)

	_, err = RepairPartitions(context.Background(), f, "daily_metrics; DROP", opt)
	assert.ErrorContains(t, err, "invalid table name")
}
