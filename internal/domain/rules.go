package domain

import (
	"fmt"
	"slices"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/rules"
	"github.com/roach88/rowsync/internal/schema"
)

// BalanceFilter selects which orders count toward Customer.balance.
type BalanceFilter string

const (
	// BalanceUnpaid sums each order's outstanding balance_due.
	BalanceUnpaid BalanceFilter = "unpaid"
	// BalanceUnshipped sums amount_total of orders without date_shipped.
	BalanceUnshipped BalanceFilter = "unshipped"
	// BalanceAll sums amount_total of every order.
	BalanceAll BalanceFilter = "all"
)

// ValidBalanceFilters lists the accepted filters in documentation order.
var ValidBalanceFilters = []BalanceFilter{BalanceUnpaid, BalanceUnshipped, BalanceAll}

// Options selects the per-deployment variants.
type Options struct {
	BalanceFilter  BalanceFilter            // Default BalanceUnpaid
	DeletePolicies map[string]schema.Policy // Relationship name -> policy override
}

// NewSchema builds the entity schema with policy overrides applied.
func NewSchema(opts Options) (*schema.Registry, error) {
	b := schema.NewBuilder()
	for _, e := range Entities() {
		b.AddEntity(e)
	}
	for _, r := range Relationships() {
		b.AddRelationship(r)
	}
	// Sorted for a stable problem order in configuration errors.
	names := make([]string, 0, len(opts.DeletePolicies))
	for name := range opts.DeletePolicies {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		b.SetDeletePolicy(name, opts.DeletePolicies[name])
	}
	return b.Build()
}

// NewRegistry builds the schema and the rule registry for opts.
func NewRegistry(opts Options) (*rules.Registry, error) {
	s, err := NewSchema(opts)
	if err != nil {
		return nil, err
	}
	balance, err := customerBalance(opts.BalanceFilter)
	if err != nil {
		return nil, err
	}

	return rules.NewBuilder(s).
		Register(&rules.Formula{
			Name:   "item_amount",
			Entity: "Item",
			Target: "amount",
			Inputs: []string{"quantity", "unit_price"},
			Fn:     itemAmount,
		}).
		Register(&rules.Sum{
			Name:         "order_amount_total",
			Entity:       "Order",
			Target:       "amount_total",
			Relationship: "Order.items",
			Attribute:    "amount",
		}).
		Register(&rules.Count{
			Name:         "order_item_count",
			Entity:       "Order",
			Target:       "item_count",
			Relationship: "Order.items",
		}).
		Register(&rules.Sum{
			Name:         "order_amount_paid",
			Entity:       "Order",
			Target:       "amount_paid",
			Relationship: "Order.payments",
			Attribute:    "amount",
		}).
		Register(&rules.Formula{
			Name:   "order_balance_due",
			Entity: "Order",
			Target: "balance_due",
			Inputs: []string{"amount_total", "amount_paid"},
			Fn:     balanceDue,
		}).
		Register(balance).
		Register(&rules.Constraint{
			Name:    "customer_credit_limit",
			Entity:  "Customer",
			Inputs:  []string{"balance", "credit_limit"},
			Check:   atMost("balance", "credit_limit"),
			Message: "balance exceeds credit limit",
		}).
		Register(&rules.Constraint{
			Name:    "inventory_non_negative",
			Entity:  "Inventory",
			Inputs:  []string{"quantity_in_stock"},
			Check:   compareTo("quantity_in_stock", 0, func(c int) bool { return c >= 0 }),
			Message: "quantity in stock cannot be negative",
		}).
		Register(&rules.Constraint{
			Name:    "item_quantity_positive",
			Entity:  "Item",
			Inputs:  []string{"quantity"},
			Check:   compareTo("quantity", 0, func(c int) bool { return c > 0 }),
			Message: "item quantity must be positive",
		}).
		Register(&rules.Constraint{
			Name:    "review_rating_range",
			Entity:  "Review",
			Inputs:  []string{"rating"},
			Check:   ratingInRange,
			Message: "rating must be between 1 and 5",
		}).
		Register(&rules.Constraint{
			Name:    "payment_amount_positive",
			Entity:  "Payment",
			Inputs:  []string{"amount"},
			Check:   compareTo("amount", 0, func(c int) bool { return c > 0 }),
			Message: "payment amount must be positive",
		}).
		Build()
}

func customerBalance(filter BalanceFilter) (*rules.Sum, error) {
	sum := &rules.Sum{
		Name:         "customer_balance",
		Entity:       "Customer",
		Target:       "balance",
		Relationship: "Customer.orders",
	}
	switch filter {
	case "", BalanceUnpaid:
		sum.Attribute = "balance_due"
	case BalanceUnshipped:
		sum.Attribute = "amount_total"
		sum.Where = rules.IsNull{Attr: "date_shipped"}
	case BalanceAll:
		sum.Attribute = "amount_total"
	default:
		return nil, ir.NewConfigurationError([]string{
			fmt.Sprintf("unknown balance filter %q (want one of %v)", filter, ValidBalanceFilters),
		})
	}
	return sum, nil
}

// itemAmount is quantity * unit_price, null until both are known.
func itemAmount(row ir.Row) (ir.Value, error) {
	q, okQ := ir.AsDecimal(row.Get("quantity"))
	p, okP := ir.AsDecimal(row.Get("unit_price"))
	if !okQ || !okP {
		return ir.Null{}, nil
	}
	return q.Mul(p)
}

// balanceDue is amount_total - amount_paid, treating null as zero.
func balanceDue(row ir.Row) (ir.Value, error) {
	total, _ := ir.AsDecimal(row.Get("amount_total"))
	paid, _ := ir.AsDecimal(row.Get("amount_paid"))
	return total.Sub(paid)
}

// atMost checks a <= b. A null on either side passes; required attributes
// are enforced separately.
func atMost(a, b string) func(ir.Row) bool {
	return func(row ir.Row) bool {
		x, okX := ir.AsDecimal(row.Get(a))
		y, okY := ir.AsDecimal(row.Get(b))
		if !okX || !okY {
			return true
		}
		return x.Cmp(y) <= 0
	}
}

// compareTo checks ok(cmp(attr, n)). Null passes.
func compareTo(attr string, n int64, ok func(cmp int) bool) func(ir.Row) bool {
	return func(row ir.Row) bool {
		v, isNum := ir.AsDecimal(row.Get(attr))
		if !isNum {
			return true
		}
		return ok(v.Cmp(ir.DecimalFromInt(n)))
	}
}

func ratingInRange(row ir.Row) bool {
	v, ok := ir.AsDecimal(row.Get("rating"))
	if !ok {
		return true
	}
	return v.Cmp(ir.DecimalFromInt(1)) >= 0 && v.Cmp(ir.DecimalFromInt(5)) <= 0
}
