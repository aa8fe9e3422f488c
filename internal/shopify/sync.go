package shopify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"storepulse/internal/connections"
	"storepulse/internal/logging"
	"storepulse/internal/metrics"
	"storepulse/internal/store"
)

const (
	DefaultSyncLimit = 50
	MaxSyncLimit     = 200
	syncPageSize     = 50
	// first sync looks back this far
	initialSyncWindow = 30 * 24 * time.Hour
)

type shopMoney struct {
	ShopMoney struct {
		Amount       string `json:"amount"`
		CurrencyCode string `json:"currencyCode"`
	} `json:"shopMoney"`
}

func (m shopMoney) value() float64 {
	f, _ := strconv.ParseFloat(m.ShopMoney.Amount, 64)
	return f
}

type orderNode struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	CreatedAt             string    `json:"createdAt"`
	ProcessedAt           string    `json:"processedAt"`
	UpdatedAt             string    `json:"updatedAt"`
	TotalPriceSet         shopMoney `json:"totalPriceSet"`
	SubtotalPriceSet      shopMoney `json:"subtotalPriceSet"`
	TotalDiscountsSet     shopMoney `json:"totalDiscountsSet"`
	TotalShippingPriceSet shopMoney `json:"totalShippingPriceSet"`
	TotalTaxSet           shopMoney `json:"totalTaxSet"`
	Customer              *struct {
		ID             string `json:"id"`
		NumberOfOrders string `json:"numberOfOrders"`
	} `json:"customer"`
	LineItems struct {
		Nodes []struct {
			Title    string `json:"title"`
			Quantity int    `json:"quantity"`
			Product  *struct {
				ID string `json:"id"`
			} `json:"product"`
			OriginalUnitPriceSet shopMoney `json:"originalUnitPriceSet"`
		} `json:"nodes"`
	} `json:"lineItems"`
	Refunds []struct {
		ID               string    `json:"id"`
		CreatedAt        string    `json:"createdAt"`
		TotalRefundedSet shopMoney `json:"totalRefundedSet"`
	} `json:"refunds"`
}

type ordersPage struct {
	Orders struct {
		Nodes    []orderNode `json:"nodes"`
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
	} `json:"orders"`
}

const ordersQuery = `
query OrdersSync($first: Int!, $after: String, $q: String!) {
  orders(first: $first, after: $after, query: $q, sortKey: UPDATED_AT) {
    nodes {
      id
      name
      createdAt
      processedAt
      updatedAt
      totalPriceSet { shopMoney { amount currencyCode } }
      subtotalPriceSet { shopMoney { amount currencyCode } }
      totalDiscountsSet { shopMoney { amount currencyCode } }
      totalShippingPriceSet { shopMoney { amount currencyCode } }
      totalTaxSet { shopMoney { amount currencyCode } }
      customer { id numberOfOrders }
      lineItems(first: 50) {
        nodes {
          title
          quantity
          product { id }
          originalUnitPriceSet { shopMoney { amount currencyCode } }
        }
      }
      refunds(first: 20) {
        id
        createdAt
        totalRefundedSet { shopMoney { amount currencyCode } }
      }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

// gidID turns gid://shopify/Order/123 into 123, matching webhook ids.
func gidID(gid string) string {
	if i := strings.LastIndex(gid, "/"); i >= 0 {
		return gid[i+1:]
	}
	return gid
}

func (n orderNode) toOrder(shop string) (metrics.Order, bool) {
	created, ok := ParseTime(n.ProcessedAt)
	if !ok {
		if created, ok = ParseTime(n.CreatedAt); !ok {
			return metrics.Order{}, false
		}
	}
	o := metrics.Order{
		ID:        gidID(n.ID),
		Name:      n.Name,
		Shop:      shop,
		CreatedAt: created,
		Total:     n.TotalPriceSet.value(),
		Subtotal:  n.SubtotalPriceSet.value(),
		Discounts: n.TotalDiscountsSet.value(),
		Shipping:  n.TotalShippingPriceSet.value(),
		Taxes:     n.TotalTaxSet.value(),
		Currency:  n.TotalPriceSet.ShopMoney.CurrencyCode,
	}
	if n.Customer != nil {
		o.CustomerID = gidID(n.Customer.ID)
		o.CustomerOrderCount, _ = strconv.Atoi(n.Customer.NumberOfOrders)
	}
	for _, li := range n.LineItems.Nodes {
		item := metrics.LineItem{Title: li.Title, Quantity: li.Quantity, Price: li.OriginalUnitPriceSet.value()}
		if li.Product != nil {
			item.ProductID = gidID(li.Product.ID)
		}
		o.LineItems = append(o.LineItems, item)
	}
	return o, true
}

type SyncResult struct {
	Shop       string `json:"shop"`
	Orders     int    `json:"orders"`
	Refunds    int    `json:"refunds"`
	Skipped    int    `json:"skipped"`
	LastSyncAt string `json:"lastSyncAt"`
}

// Syncer pulls orders on demand, complementing webhooks for history and
// missed deliveries.
type Syncer struct {
	Client      *Client
	Connections *connections.Store
	Orders      *store.Orders
	Log         *logrus.Entry
	now         func() time.Time
}

func (s *Syncer) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// SyncOrders stores up to limit orders updated since the connection's
// LastSyncAt (30 days back on first sync), with their refunds, then
// advances LastSyncAt to the newest updatedAt seen.
func (s *Syncer) SyncOrders(ctx context.Context, brandID, shop string, limit int) (SyncResult, error) {
	if limit <= 0 || limit > MaxSyncLimit {
		limit = DefaultSyncLimit
	}
	conn, token, err := s.Connections.Load(ctx, brandID, connections.Shopify, shop)
	if err != nil {
		return SyncResult{}, err
	}
	since := conn.LastSyncAt
	if since == "" {
		since = s.clock().UTC().Add(-initialSyncWindow).Format(time.RFC3339)
	}

	res := SyncResult{Shop: shop, LastSyncAt: since}
	var after *string
	for seen := 0; seen < limit; {
		first := min(syncPageSize, limit-seen)
		page, err := PostGraphQL[ordersPage](ctx, s.Client, shop, token, ordersQuery, map[string]any{
			"first": first,
			"after": after,
			"q":     "updated_at:>=" + since,
		})
		if err != nil {
			return res, err
		}
		nodes := page.Data.Orders.Nodes
		if len(nodes) == 0 {
			break
		}
		for _, n := range nodes {
			seen++
			if n.UpdatedAt > res.LastSyncAt {
				res.LastSyncAt = n.UpdatedAt
			}
			o, ok := n.toOrder(shop)
			if !ok {
				res.Skipped++
				continue
			}
			if err := s.Orders.PutOrder(ctx, brandID, o); err != nil {
				return res, err
			}
			res.Orders++
			for _, r := range n.Refunds {
				at, ok := ParseTime(r.CreatedAt)
				amt := r.TotalRefundedSet.value()
				if !ok || amt == 0 {
					continue
				}
				created, err := s.Orders.PutRefund(ctx, brandID, metrics.Refund{
					ID:        gidID(r.ID),
					OrderID:   o.ID,
					Shop:      shop,
					CreatedAt: at,
					Amount:    amt,
					Currency:  r.TotalRefundedSet.ShopMoney.CurrencyCode,
				})
				if err != nil {
					return res, err
				}
				if created {
					res.Refunds++
				}
			}
		}
		info := page.Data.Orders.PageInfo
		if !info.HasNextPage || info.EndCursor == "" {
			break
		}
		c := info.EndCursor
		after = &c
	}

	if err := s.Connections.UpdateLastSync(ctx, brandID, connections.Shopify, shop, res.LastSyncAt); err != nil {
		return res, err
	}
	log := s.Log
	if log == nil {
		log = logging.Named("shopify-sync")
	}
	log.WithFields(logrus.Fields{"brand_id": brandID, "shop": shop, "orders": res.Orders, "refunds": res.Refunds}).Info("orders synced")
	return res, nil
}
