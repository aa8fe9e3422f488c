package shopify

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/connections"
	"storepulse/internal/db/dbtest"
	"storepulse/internal/logging"
	"storepulse/internal/metrics"
	"storepulse/internal/security"
	"storepulse/internal/store"
	"storepulse/internal/tenancy"
)

const shop = "acme.myshopify.com"

type ingestFixture struct {
	in     *Ingestor
	conns  *connections.Store
	orders *store.Orders
	db     *dbtest.Fake
	dedupe *dbtest.Fake
}

func newConnections(t *testing.T, f *dbtest.Fake) *connections.Store {
	t.Helper()
	sealer, err := security.NewSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	require.NoError(t, err)
	return connections.NewStore(f, "connections", sealer)
}

func newIngestFixture(t *testing.T) ingestFixture {
	t.Helper()
	ctx := context.Background()
	f, dd := dbtest.New(), dbtest.New()
	shops := tenancy.NewShops(f, "shops", "")
	require.NoError(t, shops.MapShop(ctx, shop, "b1"))
	require.NoError(t, shops.MapShop(ctx, shop, "b2"))

	conns := newConnections(t, f)
	_, err := conns.Save(ctx, connections.Connection{BrandID: "b1", Platform: connections.Shopify, ExternalID: shop}, "shpat_1")
	require.NoError(t, err)

	orders := store.NewOrders(f, "orders")
	return ingestFixture{
		in: &Ingestor{
			Shops:       shops,
			Connections: conns,
			Orders:      orders,
			Dedupe:      NewDeduper(dd, "dedupe"),
			Log:         logging.Named("test"),
		},
		conns:  conns,
		orders: orders,
		db:     f,
		dedupe: dd,
	}
}

func marchRange(t *testing.T) metrics.DateRange {
	t.Helper()
	r, err := metrics.ParseRange("2025-03-01", "2025-03-31")
	require.NoError(t, err)
	return r
}

func TestHandleOrderFansOutToBrands(t *testing.T) {
	ctx := context.Background()
	fx := newIngestFixture(t)

	body := envelope("orders/create", shop, "wh-1", orderPayload)
	require.NoError(t, fx.in.HandleOrder(ctx, body))

	for _, b := range []string{"b1", "b2"} {
		orders, _, err := fx.orders.Range(ctx, b, marchRange(t))
		require.NoError(t, err)
		require.Len(t, orders, 1, b)
		assert.Equal(t, 120.5, orders[0].Total)
	}

	c, _, err := fx.conns.Load(ctx, "b1", connections.Shopify, shop)
	require.NoError(t, err)
	assert.Equal(t, "orders/create", c.LastEventTopic)
	assert.Equal(t, "wh-1", c.LastEventWebhookID)

	// redelivery is dropped
	puts := len(fx.db.Puts)
	require.NoError(t, fx.in.HandleOrder(ctx, body))
	assert.Equal(t, puts, len(fx.db.Puts))

	// wrong topic for this consumer
	require.NoError(t, fx.in.HandleRefund(ctx, envelope("orders/updated", shop, "wh-9", orderPayload)))
	assert.Equal(t, puts, len(fx.db.Puts))
}

func TestHandleRefund(t *testing.T) {
	ctx := context.Background()
	fx := newIngestFixture(t)

	payload := `{"id": 9, "order_id": 1001, "created_at": "2025-03-02T12:00:00Z", "transactions": [{"kind": "refund", "status": "success", "amount": "20.00"}]}`
	require.NoError(t, fx.in.HandleRefund(ctx, envelope("refunds/create", shop, "wh-2", payload)))

	_, refunds, err := fx.orders.Range(ctx, "b2", marchRange(t))
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, 20.0, refunds[0].Amount)
	assert.Equal(t, "1001", refunds[0].OrderID)
}

func TestHandleOrderReleasesClaimOnFailure(t *testing.T) {
	ctx := context.Background()
	fx := newIngestFixture(t)
	broken := dbtest.New()
	broken.PutErr = errors.New("throughput exceeded")
	fx.in.Orders = store.NewOrders(broken, "orders")

	err := fx.in.HandleOrder(ctx, envelope("orders/create", shop, "wh-1", orderPayload))
	require.ErrorContains(t, err, "throughput exceeded")
	assert.Empty(t, fx.dedupe.Items("dedupe"))
}

func TestHandleIgnoresForeignMessages(t *testing.T) {
	fx := newIngestFixture(t)
	require.NoError(t, fx.in.HandleOrder(context.Background(), []byte(`{"detail": {"foo": 1}}`)))
	assert.Error(t, fx.in.HandleOrder(context.Background(), []byte(`garbage`)))
}

func TestHandleUnmappedShop(t *testing.T) {
	fx := newIngestFixture(t)
	require.NoError(t, fx.in.HandleOrder(context.Background(), envelope("orders/create", "other.myshopify.com", "wh-3", orderPayload)))
	assert.Empty(t, fx.db.Items("orders"))
}

type recordingNotifier struct {
	sent map[string]string
}

func (n *recordingNotifier) NotifyBrand(_ context.Context, brandID, subject, _ string) error {
	if n.sent == nil {
		n.sent = map[string]string{}
	}
	n.sent[brandID] = subject
	if brandID == "b2" {
		return errors.New("sns down")
	}
	return nil
}

func TestAlerter(t *testing.T) {
	ctx := context.Background()
	fx := newIngestFixture(t)
	n := &recordingNotifier{}
	a := &Alerter{Shops: fx.in.Shops, Notify: n, Dedupe: NewDeduper(fx.dedupe, "dedupe"), Log: logging.Named("test")}

	body := envelope("orders/create", shop, "wh-1", orderPayload)
	require.NoError(t, a.Handle(ctx, body))
	assert.Equal(t, map[string]string{
		"b1": "StorePulse: orders/create (acme.myshopify.com)",
		"b2": "StorePulse: orders/create (acme.myshopify.com)",
	}, n.sent)

	n.sent = nil
	require.NoError(t, a.Handle(ctx, body))
	assert.Nil(t, n.sent)
}

func TestProcessSQSReportsFailures(t *testing.T) {
	evt := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: "ok"},
		{MessageId: "m2", Body: "bad"},
	}}
	resp := ProcessSQS(context.Background(), evt, logging.Named("test"), func(_ context.Context, body []byte) error {
		if string(body) == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	assert.Equal(t, []events.SQSBatchItemFailure{{ItemIdentifier: "m2"}}, resp.BatchItemFailures)
}
