// Package store persists the raw commerce and ads data the dashboard is
// computed from.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"storepulse/internal/db"
	"storepulse/internal/metrics"
)

const (
	typeOrder  = "order"
	typeRefund = "refund"

	gsi1 = "GSI1"

	// sortableTime keeps GSI1SK fixed width so string order is time order.
	sortableTime = "2006-01-02T15:04:05.000000000Z"

	monthQueryParallelism = 4
)

// orderItem is the DynamoDB shape of an order or refund. Both live under
// PK=BRAND#<id>; GSI1 groups them by UTC month of their own timestamp.
type orderItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	GSI1PK    string `dynamodbav:"GSI1PK"`
	GSI1SK    string `dynamodbav:"GSI1SK"`
	Type      string `dynamodbav:"Type"`
	Shop      string `dynamodbav:"Shop"`
	CreatedAt string `dynamodbav:"CreatedAt"`
	UpdatedAt string `dynamodbav:"UpdatedAt,omitempty"`

	OrderID            string             `dynamodbav:"OrderId"`
	Name               string             `dynamodbav:"Name,omitempty"`
	Total              float64            `dynamodbav:"Total,omitempty"`
	Subtotal           float64            `dynamodbav:"Subtotal,omitempty"`
	Discounts          float64            `dynamodbav:"Discounts,omitempty"`
	Shipping           float64            `dynamodbav:"Shipping,omitempty"`
	Taxes              float64            `dynamodbav:"Taxes,omitempty"`
	Currency           string             `dynamodbav:"Currency,omitempty"`
	CustomerID         string             `dynamodbav:"CustomerId,omitempty"`
	CustomerOrderCount int                `dynamodbav:"CustomerOrderCount,omitempty"`
	LineItems          []metrics.LineItem `dynamodbav:"LineItems,omitempty"`

	RefundID string  `dynamodbav:"RefundId,omitempty"`
	Amount   float64 `dynamodbav:"Amount,omitempty"`
}

func brandPK(brandID string) string { return "BRAND#" + brandID }

func monthPK(brandID string, t time.Time) string {
	return fmt.Sprintf("BRAND#%s#MONTH#%s", brandID, t.UTC().Format("2006-01"))
}

type Orders struct {
	ddb   db.DynamoAPI
	table string
	now   func() time.Time
}

func NewOrders(ddb db.DynamoAPI, table string) *Orders {
	return &Orders{ddb: ddb, table: table, now: time.Now}
}

// PutOrder upserts an order; later edits from Shopify overwrite it.
func (s *Orders) PutOrder(ctx context.Context, brandID string, o metrics.Order) error {
	if o.ID == "" || o.CreatedAt.IsZero() {
		return fmt.Errorf("order needs id and created time")
	}
	it := orderItem{
		PK:                 brandPK(brandID),
		SK:                 fmt.Sprintf("ORDER#%s#%s", o.Shop, o.ID),
		GSI1PK:             monthPK(brandID, o.CreatedAt),
		GSI1SK:             o.CreatedAt.UTC().Format(sortableTime),
		Type:               typeOrder,
		Shop:               o.Shop,
		CreatedAt:          o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          s.now().UTC().Format(time.RFC3339),
		OrderID:            o.ID,
		Name:               o.Name,
		Total:              o.Total,
		Subtotal:           o.Subtotal,
		Discounts:          o.Discounts,
		Shipping:           o.Shipping,
		Taxes:              o.Taxes,
		Currency:           o.Currency,
		CustomerID:         o.CustomerID,
		CustomerOrderCount: o.CustomerOrderCount,
		LineItems:          o.LineItems,
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return err
	}
	if _, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}); err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}
	return nil
}

// PutRefund inserts a refund once. It reports false when the refund was
// already stored, so webhook redeliveries and re-syncs are harmless.
func (s *Orders) PutRefund(ctx context.Context, brandID string, r metrics.Refund) (bool, error) {
	if r.ID == "" || r.CreatedAt.IsZero() {
		return false, fmt.Errorf("refund needs id and created time")
	}
	it := orderItem{
		PK:        brandPK(brandID),
		SK:        fmt.Sprintf("REFUND#%s#%s", r.Shop, r.ID),
		GSI1PK:    monthPK(brandID, r.CreatedAt),
		GSI1SK:    r.CreatedAt.UTC().Format(sortableTime),
		Type:      typeRefund,
		Shop:      r.Shop,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		OrderID:   r.OrderID,
		RefundID:  r.ID,
		Amount:    r.Amount,
		Currency:  r.Currency,
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return false, err
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if db.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put refund %s: %w", r.ID, err)
	}
	return true, nil
}

// monthsIn lists the UTC months [from, to) touches.
func monthsIn(from, to time.Time) []time.Time {
	start := time.Date(from.UTC().Year(), from.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	last := to.Add(-time.Nanosecond).UTC()
	var out []time.Time
	for m := start; !m.After(last); m = m.AddDate(0, 1, 0) {
		out = append(out, m)
	}
	return out
}

// Range loads the brand's orders and refunds whose own timestamps fall in r,
// ordered by time. One GSI1 query runs per UTC month.
func (s *Orders) Range(ctx context.Context, brandID string, r metrics.DateRange) ([]metrics.Order, []metrics.Refund, error) {
	var (
		mu      sync.Mutex
		orders  []metrics.Order
		refunds []metrics.Refund
	)
	from := r.From.UTC().Format(sortableTime)
	to := r.To.Add(-time.Nanosecond).UTC().Format(sortableTime)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(monthQueryParallelism)
	for _, m := range monthsIn(r.From, r.To) {
		g.Go(func() error {
			items, err := db.QueryAll(gctx, s.ddb, &dynamodb.QueryInput{
				TableName:              aws.String(s.table),
				IndexName:              aws.String(gsi1),
				KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK BETWEEN :from AND :to"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk":   db.AttrS(monthPK(brandID, m)),
					":from": db.AttrS(from),
					":to":   db.AttrS(to),
				},
			})
			if err != nil {
				return err
			}
			var rows []orderItem
			if err := attributevalue.UnmarshalListOfMaps(items, &rows); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, it := range rows {
				switch it.Type {
				case typeOrder:
					if o, ok := it.order(); ok && r.Contains(o.CreatedAt) {
						orders = append(orders, o)
					}
				case typeRefund:
					if rf, ok := it.refund(); ok && r.Contains(rf.CreatedAt) {
						refunds = append(refunds, rf)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	sort.Slice(refunds, func(i, j int) bool { return refunds[i].CreatedAt.Before(refunds[j].CreatedAt) })
	return orders, refunds, nil
}

func (it orderItem) createdAt() (time.Time, bool) {
	t, err := time.Parse(sortableTime, it.GSI1SK)
	if err != nil {
		t, err = time.Parse(time.RFC3339, it.CreatedAt)
	}
	return t, err == nil
}

func (it orderItem) order() (metrics.Order, bool) {
	t, ok := it.createdAt()
	if !ok {
		return metrics.Order{}, false
	}
	return metrics.Order{
		ID:                 it.OrderID,
		Name:               it.Name,
		Shop:               it.Shop,
		CreatedAt:          t,
		Total:              it.Total,
		Subtotal:           it.Subtotal,
		Discounts:          it.Discounts,
		Shipping:           it.Shipping,
		Taxes:              it.Taxes,
		Currency:           it.Currency,
		CustomerID:         it.CustomerID,
		CustomerOrderCount: it.CustomerOrderCount,
		LineItems:          it.LineItems,
	}, true
}

func (it orderItem) refund() (metrics.Refund, bool) {
	t, ok := it.createdAt()
	if !ok {
		return metrics.Refund{}, false
	}
	return metrics.Refund{
		ID:        it.RefundID,
		OrderID:   it.OrderID,
		Shop:      it.Shop,
		CreatedAt: t,
		Amount:    it.Amount,
		Currency:  it.Currency,
	}, true
}
