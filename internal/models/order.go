// internal/models/order.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Order struct {
	BaseModel
	CustomerID       uuid.UUID     `json:"customer_id" gorm:"type:uuid;not null;index"`
	OrderStatus      OrderStatus   `json:"order_status" gorm:"type:varchar(20);not null;index"`
	StatusID         PaymentStatus `json:"status_id" gorm:"column:status_id;type:varchar(20);not null;index"`
	NeedPayBack      bool          `json:"need_pay_back" gorm:"not null;index"`
	TotalPrice       int64         `json:"total_price" gorm:"not null"`
	DiscountAmount   int64         `json:"discount_amount" gorm:"not null"`
	CouponAmount     int64         `json:"coupon_amount" gorm:"not null"`
	ShippingCost     int64         `json:"shipping_cost" gorm:"not null"`
	PaymentDetails   JSONB         `json:"payment_details,omitempty" gorm:"type:jsonb"`
	OrderDeliveredAt *time.Time    `json:"order_delivered_at"`
	CancelledAt      *time.Time    `json:"cancelled_at,omitempty"`
	RefundedAt       *time.Time    `json:"refunded_at,omitempty"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	Version          int64         `json:"version" gorm:"not null"`

	// Relationships
	LineItems []OrderLineItem `json:"line_items,omitempty" gorm:"foreignKey:OrderID"`
}

type OrderLineItem struct {
	BaseModel
	OrderID   uuid.UUID  `json:"order_id" gorm:"type:uuid;not null;index"`
	ShopID    uuid.UUID  `json:"shop_id" gorm:"type:uuid;not null;index"`
	ProductID uuid.UUID  `json:"product_id" gorm:"type:uuid;not null"`
	VariantID *uuid.UUID `json:"variant_id,omitempty" gorm:"type:uuid"`
	Price     int64      `json:"price" gorm:"not null"`
	Quantity  int64      `json:"quantity" gorm:"not null"`
}

// orderTransitions lists the direct successors of each non-terminal status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, candidate := range orderTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Cancellable() bool {
	return s.CanTransitionTo(OrderStatusCancelled)
}

func (i OrderLineItem) LineTotal() int64 {
	return i.Price * i.Quantity
}

// Subtotal is the sum of price x quantity over all line items.
func (o *Order) Subtotal() int64 {
	var subtotal int64
	for _, item := range o.LineItems {
		subtotal += item.LineTotal()
	}
	return subtotal
}

func (o *Order) ExpectedTotal() int64 {
	return o.Subtotal() - o.DiscountAmount - o.CouponAmount + o.ShippingCost
}

// OrderDiscount is the order-level discount applied to shop revenue, clamped to the subtotal.
func (o *Order) OrderDiscount() int64 {
	discount := o.DiscountAmount + o.CouponAmount
	if subtotal := o.Subtotal(); discount > subtotal {
		return subtotal
	}
	return discount
}
