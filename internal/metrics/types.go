package metrics

import "time"

// Order is a Shopify order reduced to what the dashboard needs.
// Amounts are in shop currency.
type Order struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Shop               string     `json:"shop"`
	CreatedAt          time.Time  `json:"createdAt"`
	Total              float64    `json:"total"`
	Subtotal           float64    `json:"subtotal"`
	Discounts          float64    `json:"discounts"`
	Shipping           float64    `json:"shipping"`
	Taxes              float64    `json:"taxes"`
	Currency           string     `json:"currency"`
	CustomerID         string     `json:"customerId,omitempty"`
	CustomerOrderCount int        `json:"customerOrderCount,omitempty"`
	LineItems          []LineItem `json:"lineItems,omitempty"`
}

type LineItem struct {
	ProductID string  `json:"productId"`
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Refund is subtracted from the bucket of its own CreatedAt, not the
// bucket of the order it belongs to.
type Refund struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	Shop      string    `json:"shop"`
	CreatedAt time.Time `json:"createdAt"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
}

// AdInsight is one Meta Ads insights row: one object, one civil day.
type AdInsight struct {
	AccountID     string  `json:"accountId"`
	Level         string  `json:"level"`
	ObjectID      string  `json:"objectId"`
	CampaignID    string  `json:"campaignId"`
	CampaignName  string  `json:"campaignName"`
	Date          string  `json:"date"` // YYYY-MM-DD in the ad account timezone
	Spend         float64 `json:"spend"`
	Impressions   int64   `json:"impressions"`
	Clicks        int64   `json:"clicks"`
	Reach         int64   `json:"reach"`
	Purchases     float64 `json:"purchases"`
	PurchaseValue float64 `json:"purchaseValue"`
}

// Bucket is one hourly or daily slot of the sales chart.
type Bucket struct {
	Start   time.Time `json:"start"`
	Label   string    `json:"label"`
	Sales   float64   `json:"sales"`
	Refunds float64   `json:"refunds"`
	Net     float64   `json:"net"`
	Orders  int       `json:"orders"`
	Spend   float64   `json:"spend"`
}
