package metrics

import (
	"sort"
	"strings"
)

// TopProductsLimit is how many products the summary ranks.
const TopProductsLimit = 5

type SalesSummary struct {
	GrossSales         float64        `json:"grossSales"`
	Refunds            float64        `json:"refunds"`
	NetSales           float64        `json:"netSales"`
	Discounts          float64        `json:"discounts"`
	Shipping           float64        `json:"shipping"`
	Taxes              float64        `json:"taxes"`
	Orders             int            `json:"orders"`
	RefundCount        int            `json:"refundCount"`
	UnitsSold          int            `json:"unitsSold"`
	AOV                float64        `json:"aov"`
	Customers          int            `json:"customers"`
	NewCustomers       int            `json:"newCustomers"`
	ReturningCustomers int            `json:"returningCustomers"`
	RepeatRate         float64        `json:"repeatRate"` // percent of customers
	RefundRate         float64        `json:"refundRate"` // percent of gross sales
	Currency           string         `json:"currency,omitempty"`
	TopProducts        []ProductSales `json:"topProducts"`
}

type ProductSales struct {
	ProductID string  `json:"productId"`
	Title     string  `json:"title"`
	Units     int     `json:"units"`
	Revenue   float64 `json:"revenue"`
}

// Summarize aggregates orders created and refunds issued inside r.
//
// A customer is returning when Shopify reports more than one lifetime
// order for them. Orders without a customer (guest checkouts) count toward
// sales but not toward customer counts.
func Summarize(orders []Order, refunds []Refund, r DateRange) SalesSummary {
	s := SalesSummary{TopProducts: []ProductSales{}}
	customers := map[string]bool{} // id -> returning
	products := map[string]*ProductSales{}

	for _, o := range orders {
		if !r.Contains(o.CreatedAt) {
			continue
		}
		s.Orders++
		s.GrossSales += o.Total
		s.Discounts += o.Discounts
		s.Shipping += o.Shipping
		s.Taxes += o.Taxes
		if s.Currency == "" {
			s.Currency = o.Currency
		}

		if id := strings.TrimSpace(o.CustomerID); id != "" {
			customers[id] = customers[id] || o.CustomerOrderCount > 1
		}

		for _, li := range o.LineItems {
			s.UnitsSold += li.Quantity
			key := li.ProductID
			if key == "" {
				key = "title:" + li.Title
			}
			p, ok := products[key]
			if !ok {
				p = &ProductSales{ProductID: li.ProductID, Title: li.Title}
				products[key] = p
			}
			p.Units += li.Quantity
			p.Revenue += li.Price * float64(li.Quantity)
		}
	}

	for _, rf := range refunds {
		if !r.Contains(rf.CreatedAt) {
			continue
		}
		s.Refunds += rf.Amount
		s.RefundCount++
	}

	s.Customers = len(customers)
	for _, returning := range customers {
		if returning {
			s.ReturningCustomers++
		} else {
			s.NewCustomers++
		}
	}

	s.NetSales = s.GrossSales - s.Refunds
	s.AOV = Round2(SafeDiv(s.GrossSales, float64(s.Orders)))
	s.RefundRate = Round2(SafeDiv(s.Refunds, s.GrossSales) * 100)
	s.RepeatRate = Round2(SafeDiv(float64(s.ReturningCustomers), float64(s.Customers)) * 100)

	s.GrossSales = Round2(s.GrossSales)
	s.Refunds = Round2(s.Refunds)
	s.NetSales = Round2(s.NetSales)
	s.Discounts = Round2(s.Discounts)
	s.Shipping = Round2(s.Shipping)
	s.Taxes = Round2(s.Taxes)

	s.TopProducts = topProducts(products, TopProductsLimit)
	return s
}

func topProducts(m map[string]*ProductSales, n int) []ProductSales {
	out := make([]ProductSales, 0, len(m))
	for _, p := range m {
		p.Revenue = Round2(p.Revenue)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Revenue != out[j].Revenue {
			return out[i].Revenue > out[j].Revenue
		}
		return out[i].Title < out[j].Title
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
