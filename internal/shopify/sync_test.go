package shopify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepulse/internal/apperr"
	"storepulse/internal/connections"
	"storepulse/internal/db/dbtest"
	"storepulse/internal/logging"
	"storepulse/internal/metrics"
	"storepulse/internal/store"
)

const syncPage1 = `{"data": {"orders": {
  "nodes": [
    {
      "id": "gid://shopify/Order/1",
      "name": "#1",
      "createdAt": "2025-06-01T14:00:00Z",
      "processedAt": "2025-06-01T14:00:00Z",
      "updatedAt": "2025-06-01T15:00:00Z",
      "totalPriceSet": {"shopMoney": {"amount": "80.00", "currencyCode": "USD"}},
      "subtotalPriceSet": {"shopMoney": {"amount": "70.00", "currencyCode": "USD"}},
      "totalDiscountsSet": {"shopMoney": {"amount": "0.00", "currencyCode": "USD"}},
      "totalShippingPriceSet": {"shopMoney": {"amount": "5.00", "currencyCode": "USD"}},
      "totalTaxSet": {"shopMoney": {"amount": "5.00", "currencyCode": "USD"}},
      "customer": {"id": "gid://shopify/Customer/7", "numberOfOrders": "2"},
      "lineItems": {"nodes": [{"title": "Mug", "quantity": 1, "product": {"id": "gid://shopify/Product/3"}, "originalUnitPriceSet": {"shopMoney": {"amount": "70.00", "currencyCode": "USD"}}}]},
      "refunds": [{"id": "gid://shopify/Refund/11", "createdAt": "2025-06-03T10:00:00Z", "totalRefundedSet": {"shopMoney": {"amount": "10.00", "currencyCode": "USD"}}}]
    },
    {
      "id": "gid://shopify/Order/2",
      "name": "#2",
      "createdAt": "bad",
      "processedAt": "",
      "updatedAt": "2025-06-02T09:00:00Z",
      "totalPriceSet": {"shopMoney": {"amount": "1.00", "currencyCode": "USD"}},
      "refunds": []
    }
  ],
  "pageInfo": {"hasNextPage": true, "endCursor": "c1"}
}}}`

const syncPage2 = `{"data": {"orders": {
  "nodes": [
    {
      "id": "gid://shopify/Order/3",
      "name": "#3",
      "createdAt": "2025-06-04T12:00:00Z",
      "processedAt": "2025-06-04T12:00:00Z",
      "updatedAt": "2025-06-04T12:00:00Z",
      "totalPriceSet": {"shopMoney": {"amount": "20.00", "currencyCode": "USD"}},
      "refunds": []
    }
  ],
  "pageInfo": {"hasNextPage": false, "endCursor": "c2"}
}}}`

func TestSyncOrders(t *testing.T) {
	ctx := context.Background()
	var vars []map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		vars = append(vars, body.Variables)
		if body.Variables["after"] == nil {
			io.WriteString(w, syncPage1)
			return
		}
		io.WriteString(w, syncPage2)
	})

	f := dbtest.New()
	conns := newConnections(t, f)
	_, err := conns.Save(ctx, connections.Connection{BrandID: "b1", Platform: connections.Shopify, ExternalID: shop}, "shpat_1")
	require.NoError(t, err)
	orders := store.NewOrders(f, "orders")

	s := &Syncer{Client: c, Connections: conns, Orders: orders, Log: logging.Named("test"),
		now: func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) }}

	res, err := s.SyncOrders(ctx, "b1", shop, 0)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Shop: shop, Orders: 2, Refunds: 1, Skipped: 1, LastSyncAt: "2025-06-04T12:00:00Z"}, res)

	require.Len(t, vars, 2)
	assert.Equal(t, "updated_at:>=2025-05-11T12:00:00Z", vars[0]["q"])
	assert.Equal(t, "c1", vars[1]["after"])

	r, err := metrics.ParseRange("2025-06-01", "2025-06-05")
	require.NoError(t, err)
	got, refunds, err := orders.Range(ctx, "b1", r)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "7", got[0].CustomerID)
	assert.Equal(t, 2, got[0].CustomerOrderCount)
	assert.Equal(t, "3", got[0].LineItems[0].ProductID)
	require.Len(t, refunds, 1)
	assert.Equal(t, "11", refunds[0].ID)
	assert.Equal(t, "1", refunds[0].OrderID)

	conn, _, err := conns.Load(ctx, "b1", connections.Shopify, shop)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-04T12:00:00Z", conn.LastSyncAt)

	// the next sync resumes from the cursor
	vars = nil
	_, err = s.SyncOrders(ctx, "b1", shop, 1)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "updated_at:>=2025-06-04T12:00:00Z", vars[0]["q"])
	assert.EqualValues(t, 1, vars[0]["first"])
}

func TestSyncOrdersUnknownConnection(t *testing.T) {
	f := dbtest.New()
	s := &Syncer{Client: NewClient(Config{}), Connections: newConnections(t, f), Orders: store.NewOrders(f, "orders")}
	_, err := s.SyncOrders(context.Background(), "b1", shop, 10)
	assert.True(t, apperr.IsNotFound(err))
}

func TestGIDID(t *testing.T) {
	assert.Equal(t, "123", gidID("gid://shopify/Order/123"))
	assert.Equal(t, "plain", gidID("plain"))
}
