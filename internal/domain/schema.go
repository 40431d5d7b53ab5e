package domain

import (
	"github.com/roach88/rowsync/internal/schema"
)

func attr(name string, kind schema.Kind) schema.Attribute {
	return schema.Attribute{Name: name, Kind: kind}
}

func required(name string, kind schema.Kind) schema.Attribute {
	return schema.Attribute{Name: name, Kind: kind, Required: true}
}

// Entities returns the entity declarations in declaration order.
func Entities() []schema.Entity {
	return []schema.Entity{
		{Name: "Category", Attributes: []schema.Attribute{
			required("name", schema.KindString),
		}},
		{Name: "Customer", Attributes: []schema.Attribute{
			required("name", schema.KindString),
			attr("balance", schema.KindDecimal),
			required("credit_limit", schema.KindDecimal),
		}},
		{Name: "Product", Attributes: []schema.Attribute{
			required("name", schema.KindString),
			required("unit_price", schema.KindDecimal),
		}},
		{Name: "Supplier", Attributes: []schema.Attribute{
			required("name", schema.KindString),
			attr("contact_info", schema.KindString),
		}},
		{Name: "Address", Attributes: []schema.Attribute{
			required("customer_id", schema.KindString),
			required("street", schema.KindString),
			required("city", schema.KindString),
			required("state", schema.KindString),
			required("zip_code", schema.KindString),
		}},
		{Name: "Inventory", Attributes: []schema.Attribute{
			required("product_id", schema.KindString),
			required("supplier_id", schema.KindString),
			required("quantity_in_stock", schema.KindInt),
		}},
		{Name: "Order", Attributes: []schema.Attribute{
			required("customer_id", schema.KindString),
			attr("order_date", schema.KindTime),
			attr("amount_total", schema.KindDecimal),
			attr("item_count", schema.KindInt),
			attr("amount_paid", schema.KindDecimal),
			attr("balance_due", schema.KindDecimal),
			attr("notes", schema.KindString),
			attr("date_shipped", schema.KindTime),
		}},
		{Name: "Review", Attributes: []schema.Attribute{
			required("product_id", schema.KindString),
			required("customer_id", schema.KindString),
			required("rating", schema.KindInt),
			attr("comment", schema.KindString),
		}},
		{Name: "Item", Attributes: []schema.Attribute{
			required("order_id", schema.KindString),
			required("product_id", schema.KindString),
			required("quantity", schema.KindInt),
			required("unit_price", schema.KindDecimal),
			attr("amount", schema.KindDecimal),
		}},
		{Name: "Payment", Attributes: []schema.Attribute{
			required("order_id", schema.KindString),
			attr("payment_date", schema.KindTime),
			required("amount", schema.KindDecimal),
		}},
		{Name: "Return", Attributes: []schema.Attribute{
			required("order_id", schema.KindString),
			attr("return_date", schema.KindTime),
			attr("reason", schema.KindString),
		}},
		{Name: "Shipment", Attributes: []schema.Attribute{
			required("order_id", schema.KindString),
			attr("shipment_date", schema.KindTime),
			required("status", schema.KindString),
		}},
	}
}

func rel(name, parent, child, fk string, policy schema.Policy) schema.Relationship {
	return schema.Relationship{
		Name:        name,
		Parent:      parent,
		Child:       child,
		ForeignKey:  fk,
		OnDelete:    policy,
		Cardinality: schema.OneToMany,
	}
}

// Relationships returns the relationship declarations with their default
// delete policies. Deleting an order removes everything that only makes
// sense with it; customers with orders and products that are stocked or
// sold cannot be deleted.
func Relationships() []schema.Relationship {
	return []schema.Relationship{
		rel("Customer.addresses", "Customer", "Address", "customer_id", schema.PolicyCascade),
		rel("Customer.orders", "Customer", "Order", "customer_id", schema.PolicyRestrict),
		rel("Customer.reviews", "Customer", "Review", "customer_id", schema.PolicyCascade),
		rel("Product.inventory", "Product", "Inventory", "product_id", schema.PolicyRestrict),
		rel("Product.reviews", "Product", "Review", "product_id", schema.PolicyCascade),
		rel("Product.items", "Product", "Item", "product_id", schema.PolicyRestrict),
		rel("Supplier.inventory", "Supplier", "Inventory", "supplier_id", schema.PolicyRestrict),
		rel("Order.items", "Order", "Item", "order_id", schema.PolicyCascade),
		rel("Order.payments", "Order", "Payment", "order_id", schema.PolicyCascade),
		rel("Order.returns", "Order", "Return", "order_id", schema.PolicyCascade),
		rel("Order.shipments", "Order", "Shipment", "order_id", schema.PolicyCascade),
	}
}
