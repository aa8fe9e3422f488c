// Package etl exports per-brand daily metrics to the S3 analytics lake as
// parquet, partitioned for Athena.
package etl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
	"golang.org/x/sync/errgroup"

	"storepulse/internal/logging"
	"storepulse/internal/metrics"
)

// DailyMetricsRow matches the Glue table columns. dt and brand_id are
// partition keys and live in the object key, not the file.
type DailyMetricsRow struct {
	MetricDate       string  `parquet:"name=metric_date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"` // YYYY-MM-DD
	Currency         string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	GrossRevenue     float64 `parquet:"name=gross_revenue, type=DOUBLE"`
	Refunds          float64 `parquet:"name=refunds, type=DOUBLE"`
	NetRevenue       float64 `parquet:"name=net_revenue, type=DOUBLE"`
	Orders           int64   `parquet:"name=orders, type=INT64"`
	AOV              float64 `parquet:"name=aov, type=DOUBLE"`
	Customers        int64   `parquet:"name=customers, type=INT64"`
	NewCustomers     int64   `parquet:"name=new_customers, type=INT64"`
	MarketingCosts   float64 `parquet:"name=marketing_costs, type=DOUBLE"`
	Impressions      int64   `parquet:"name=impressions, type=INT64"`
	Clicks           int64   `parquet:"name=clicks, type=INT64"`
	Purchases        float64 `parquet:"name=purchases, type=DOUBLE"`
	PurchaseValue    float64 `parquet:"name=purchase_value, type=DOUBLE"`
	ROAS             float64 `parquet:"name=roas, type=DOUBLE"`
	ProductCosts     float64 `parquet:"name=product_costs, type=DOUBLE"`
	FulfillmentCosts float64 `parquet:"name=fulfillment_costs, type=DOUBLE"`
	ProcessingFees   float64 `parquet:"name=processing_fees, type=DOUBLE"`
	OtherCosts       float64 `parquet:"name=other_costs, type=DOUBLE"`
}

// NewDailyMetricsRow summarizes one brand-day. Cost columns we have no
// source for stay zero.
func NewDailyMetricsRow(day metrics.DateRange, orders []metrics.Order, refunds []metrics.Refund, ads []metrics.AdInsight) DailyMetricsRow {
	s := metrics.Summarize(orders, refunds, day)
	a := metrics.SummarizeAds(ads, day)
	return DailyMetricsRow{
		MetricDate:     day.FromDate(),
		Currency:       s.Currency,
		GrossRevenue:   s.GrossSales,
		Refunds:        s.Refunds,
		NetRevenue:     s.NetSales,
		Orders:         int64(s.Orders),
		AOV:            s.AOV,
		Customers:      int64(s.Customers),
		NewCustomers:   int64(s.NewCustomers),
		MarketingCosts: a.Spend,
		Impressions:    a.Impressions,
		Clicks:         a.Clicks,
		Purchases:      a.Purchases,
		PurchaseValue:  a.PurchaseValue,
		ROAS:           a.ROAS,
	}
}

type BrandLister interface {
	AllBrandIDs(ctx context.Context) ([]string, error)
}

type OrderSource interface {
	Range(ctx context.Context, brandID string, r metrics.DateRange) ([]metrics.Order, []metrics.Refund, error)
}

type AdSource interface {
	AdInsights(ctx context.Context, brandID string, r metrics.DateRange) ([]metrics.AdInsight, error)
}

type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type GlueAPI interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
	CreatePartition(ctx context.Context, params *glue.CreatePartitionInput, optFns ...func(*glue.Options)) (*glue.CreatePartitionOutput, error)
}

// DailyMetrics writes one parquet object per (brand, day) under
// <prefix>dt=YYYY-MM-DD/brand_id=<id>/part-0.parquet. Re-running a day
// overwrites it. When Glue is set the partition is registered too.
type DailyMetrics struct {
	Brands BrandLister
	Orders OrderSource
	Ads    AdSource
	S3     S3API
	Glue   GlueAPI

	Bucket       string
	Prefix       string
	GlueDatabase string
	GlueTable    string
	DaysBack     int // including today
	Parallelism  int
	Log          *logrus.Entry

	now func() time.Time
}

type Result struct {
	Brands     int    `json:"brands"`
	Days       int    `json:"days"`
	Written    int    `json:"written"`
	Orders     int    `json:"orders"`
	Partitions int    `json:"partitions"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// MaxDaysBack caps how far one run reaches back; larger settings are
// clamped to it rather than ignored.
const MaxDaysBack = 90

// Window is the civil-day range the next run covers.
func (h *DailyMetrics) Window() metrics.DateRange {
	now := time.Now()
	if h.now != nil {
		now = h.now()
	}
	days := h.DaysBack
	if days <= 0 {
		days = 1
	}
	if days > MaxDaysBack {
		days = MaxDaysBack
	}
	today := metrics.StartOfDay(now)
	return metrics.DateRange{From: today.AddDate(0, 0, -(days - 1)), To: today.AddDate(0, 0, 1)}
}

func (h *DailyMetrics) Run(ctx context.Context) (Result, error) {
	if h.Bucket == "" {
		return Result{}, fmt.Errorf("missing analytics bucket")
	}
	log := h.Log
	if log == nil {
		log = logging.Named("etl-daily-metrics")
	}
	window := h.Window()
	days := window.EachDay()
	res := Result{Days: len(days), From: window.FromDate(), To: window.ToDate()}

	brands, err := h.Brands.AllBrandIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list brands: %w", err)
	}
	res.Brands = len(brands)
	if len(brands) == 0 {
		return res, nil
	}

	var table *gluetypes.Table
	if h.Glue != nil && h.GlueDatabase != "" {
		out, err := h.Glue.GetTable(ctx, &glue.GetTableInput{
			DatabaseName: aws.String(h.GlueDatabase),
			Name:         aws.String(h.GlueTable),
		})
		if err != nil {
			return res, fmt.Errorf("glue GetTable %s.%s: %w", h.GlueDatabase, h.GlueTable, err)
		}
		table = out.Table
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, h.Parallelism))
	for _, brandID := range brands {
		g.Go(func() error {
			orders, refunds, err := h.Orders.Range(gctx, brandID, window)
			if err != nil {
				return fmt.Errorf("orders for brand=%s: %w", brandID, err)
			}
			ads, err := h.Ads.AdInsights(gctx, brandID, window)
			if err != nil {
				return fmt.Errorf("ads for brand=%s: %w", brandID, err)
			}
			for _, day := range days {
				row := NewDailyMetricsRow(day, orders, refunds, ads)
				dir := partitionDir(h.Prefix, row.MetricDate, brandID)
				if err := h.writeParquet(gctx, dir+"part-0.parquet", row); err != nil {
					return fmt.Errorf("write parquet for brand=%s dt=%s: %w", brandID, row.MetricDate, err)
				}
				created := false
				if table != nil {
					if created, err = h.addPartition(gctx, table, row.MetricDate, brandID, dir); err != nil {
						return err
					}
				}
				mu.Lock()
				res.Written++
				res.Orders += int(row.Orders)
				if created {
					res.Partitions++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	log.WithFields(logrus.Fields{
		"brands":     res.Brands,
		"days":       res.Days,
		"written":    res.Written,
		"partitions": res.Partitions,
	}).Info("daily metrics exported")
	return res, nil
}

func partitionDir(prefix, dt, brandID string) string {
	return fmt.Sprintf("%sdt=%s/brand_id=%s/", ensureTrailingSlash(prefix), dt, brandID)
}

// addPartition registers dt/brand_id with Glue, copying the table's storage
// descriptor. It reports false when the partition already existed.
func (h *DailyMetrics) addPartition(ctx context.Context, table *gluetypes.Table, dt, brandID, dir string) (bool, error) {
	values := make([]string, 0, len(table.PartitionKeys))
	for _, k := range table.PartitionKeys {
		switch aws.ToString(k.Name) {
		case "dt":
			values = append(values, dt)
		case "brand_id":
			values = append(values, brandID)
		default:
			return false, fmt.Errorf("unexpected partition key %q", aws.ToString(k.Name))
		}
	}
	var sd gluetypes.StorageDescriptor
	if table.StorageDescriptor != nil {
		sd = *table.StorageDescriptor
	}
	sd.Location = aws.String(fmt.Sprintf("s3://%s/%s", h.Bucket, dir))

	_, err := h.Glue.CreatePartition(ctx, &glue.CreatePartitionInput{
		DatabaseName: aws.String(h.GlueDatabase),
		TableName:    aws.String(h.GlueTable),
		PartitionInput: &gluetypes.PartitionInput{
			Values:            values,
			StorageDescriptor: &sd,
		},
	})
	var exists *gluetypes.AlreadyExistsException
	if errors.As(err, &exists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("glue CreatePartition dt=%s brand_id=%s: %w", dt, brandID, err)
	}
	return true, nil
}

func (h *DailyMetrics) writeParquet(ctx context.Context, key string, row DailyMetricsRow) error {
	data, err := EncodeParquet([]DailyMetricsRow{row})
	if err != nil {
		return err
	}
	_, err = h.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(h.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("s3 putobject failed: %w", err)
	}
	return nil
}

// EncodeParquet writes rows to a temp file with parquet-go and returns the
// file contents.
func EncodeParquet(rows []DailyMetricsRow) ([]byte, error) {
	tmp, err := os.CreateTemp("", "daily_metrics_*.parquet")
	if err != nil {
		return nil, err
	}
	localPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(DailyMetricsRow), 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = 0 // uncompressed

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}
	return os.ReadFile(localPath)
}

func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
