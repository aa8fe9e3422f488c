package shopify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"storepulse/internal/metrics"
)

// Event is a Shopify webhook as delivered through EventBridge and SQS:
// {"detail": {"metadata": {...headers}, "payload": {...}}}.
type Event struct {
	Topic      string
	Shop       string
	WebhookID  string
	ReceivedAt string
	Payload    gjson.Result
}

var ErrNotShopifyEvent = errors.New("not a shopify event")

func ParseEvent(body []byte) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, fmt.Errorf("invalid event json")
	}
	doc := gjson.ParseBytes(body)
	md := doc.Get("detail.metadata")
	ev := Event{
		Topic:      md.Get(`X-Shopify-Topic`).String(),
		Shop:       strings.ToLower(md.Get(`X-Shopify-Shop-Domain`).String()),
		WebhookID:  md.Get(`X-Shopify-Webhook-Id`).String(),
		ReceivedAt: doc.Get("time").String(),
		Payload:    doc.Get("detail.payload"),
	}
	if ev.Topic == "" || ev.Shop == "" || !ev.Payload.IsObject() {
		return Event{}, ErrNotShopifyEvent
	}
	return ev, nil
}

// ParseTime accepts RFC3339 with or without fractional seconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func money(r gjson.Result, paths ...string) (float64, string, bool) {
	for _, p := range paths {
		v := r.Get(p)
		if !v.Exists() || v.Type == gjson.Null || v.String() == "" {
			continue
		}
		if v.IsObject() {
			amt := v.Get("shop_money.amount")
			if amt.Exists() && amt.String() != "" {
				return amt.Float(), v.Get("shop_money.currency_code").String(), true
			}
			continue
		}
		return v.Float(), "", true
	}
	return 0, "", false
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := r.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

// ParseOrderEvent reads an orders/* payload. The total is total_price,
// which does not net out refunds; refunds are stored separately.
func ParseOrderEvent(ev Event) (metrics.Order, error) {
	p := ev.Payload
	id := p.Get("id").String()
	if id == "" {
		return metrics.Order{}, fmt.Errorf("missing order id")
	}
	total, cur, ok := money(p, "total_price", "total_price_set", "current_total_price", "current_total_price_set")
	if !ok {
		return metrics.Order{}, fmt.Errorf("order %s: no total price field found", id)
	}
	created, ok := ParseTime(firstString(p, "processed_at", "created_at", "updated_at"))
	if !ok {
		return metrics.Order{}, fmt.Errorf("order %s: missing created_at", id)
	}

	o := metrics.Order{
		ID:        id,
		Name:      p.Get("name").String(),
		Shop:      ev.Shop,
		CreatedAt: created,
		Total:     total,
		Currency:  firstString(p, "currency", "presentment_currency"),
	}
	if o.Currency == "" {
		o.Currency = cur
	}
	if o.Name == "" {
		o.Name = "Order " + id
	}
	o.Subtotal, _, _ = money(p, "subtotal_price", "subtotal_price_set")
	o.Discounts, _, _ = money(p, "total_discounts", "total_discounts_set")
	o.Shipping, _, _ = money(p, "total_shipping_price_set")
	o.Taxes, _, _ = money(p, "total_tax", "total_tax_set")

	if c := p.Get("customer"); c.IsObject() {
		o.CustomerID = c.Get("id").String()
		o.CustomerOrderCount = int(c.Get("orders_count").Int())
	}
	p.Get("line_items").ForEach(func(_, li gjson.Result) bool {
		o.LineItems = append(o.LineItems, metrics.LineItem{
			ProductID: firstString(li, "product_id", "variant_id", "sku"),
			Title:     li.Get("title").String(),
			Quantity:  int(li.Get("quantity").Int()),
			Price:     li.Get("price").Float(),
		})
		return true
	})
	return o, nil
}

// ParseRefundEvent reads a refunds/create payload. The amount is the sum
// of successful refund transactions, falling back to amount or
// total_refunded, then to the refunded line items.
func ParseRefundEvent(ev Event) (metrics.Refund, error) {
	p := ev.Payload
	id := p.Get("id").String()
	if id == "" {
		return metrics.Refund{}, fmt.Errorf("missing refund id")
	}
	amount, ok := refundAmount(p)
	if !ok {
		return metrics.Refund{}, fmt.Errorf("refund %s: cannot determine refund amount", id)
	}
	created, ok := ParseTime(firstString(p, "created_at", "processed_at", "updated_at"))
	if !ok {
		return metrics.Refund{}, fmt.Errorf("refund %s: missing created_at", id)
	}
	cur := firstString(p, "currency", "transactions.0.currency")
	return metrics.Refund{
		ID:        id,
		OrderID:   p.Get("order_id").String(),
		Shop:      ev.Shop,
		CreatedAt: created,
		Amount:    amount,
		Currency:  cur,
	}, nil
}

func refundAmount(p gjson.Result) (float64, bool) {
	sum, found := 0.0, false
	p.Get("transactions").ForEach(func(_, t gjson.Result) bool {
		kind := strings.ToLower(t.Get("kind").String())
		status := strings.ToLower(t.Get("status").String())
		if kind != "" && kind != "refund" {
			return true
		}
		if status != "" && status != "success" {
			return true
		}
		if a := t.Get("amount"); a.Exists() && a.String() != "" {
			sum += a.Float()
			found = true
		}
		return true
	})
	if found {
		return sum, true
	}
	if v, _, ok := money(p, "amount", "total_refunded", "total_refunded_set"); ok {
		return v, true
	}
	items := p.Get("refund_line_items")
	if items.IsArray() && len(items.Array()) > 0 {
		total := 0.0
		items.ForEach(func(_, li gjson.Result) bool {
			total += li.Get("subtotal").Float() + li.Get("total_tax").Float()
			return true
		})
		return total, true
	}
	return 0, false
}

// AlertMessage renders an event as an e-mail alert.
func AlertMessage(ev Event) (subject, body string) {
	p := ev.Payload
	subject = fmt.Sprintf("StorePulse: %s (%s)", ev.Topic, ev.Shop)

	lines := []string{
		"StorePulse Shopify Event",
		"",
		"Shop: " + ev.Shop,
		"Topic: " + ev.Topic,
	}
	if ev.WebhookID != "" {
		lines = append(lines, "WebhookId: "+ev.WebhookID)
	}
	if name := p.Get("name").String(); name != "" {
		lines = append(lines, "Order: "+name)
	} else if id := p.Get("id").String(); id != "" {
		lines = append(lines, "ObjectId: "+id)
	}

	var (
		amount float64
		cur    = p.Get("currency").String()
		ok     bool
	)
	if strings.HasPrefix(ev.Topic, "refunds/") {
		amount, ok = refundAmount(p)
	} else {
		var c string
		amount, c, ok = money(p, "total_price", "total_price_set")
		if cur == "" {
			cur = c
		}
	}
	if ok {
		if cur == "" {
			cur = "USD"
		}
		lines = append(lines, fmt.Sprintf("Amount: %.2f %s", amount, cur))
	}
	if at := firstString(p, "created_at", "processed_at"); at != "" {
		lines = append(lines, "CreatedAt: "+at)
	}
	if ev.ReceivedAt != "" {
		lines = append(lines, "", "ReceivedAt: "+ev.ReceivedAt)
	}
	return subject, strings.Join(lines, "\n")
}
