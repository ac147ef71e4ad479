// internal/services/order_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/settlement-backend/internal/apperr"
	"github.com/javajoker/settlement-backend/internal/database"
	"github.com/javajoker/settlement-backend/internal/events"
	"github.com/javajoker/settlement-backend/internal/metrics"
	"github.com/javajoker/settlement-backend/internal/models"
	"github.com/javajoker/settlement-backend/internal/utils"
)

// integrityTolerance is the rounding slack allowed between line items and total_price.
const integrityTolerance int64 = 1

type OrderService struct {
	db      *gorm.DB
	retrier *database.Retrier
	revenue *RevenueService
	events  events.Publisher
}

type CreateOrderRequest struct {
	CustomerID     uuid.UUID         `json:"customer_id" validate:"required"`
	LineItems      []LineItemRequest `json:"line_items" validate:"required,min=1,dive"`
	TotalPrice     *int64            `json:"total_price,omitempty" validate:"omitempty,min=0"`
	DiscountAmount int64             `json:"discount_amount" validate:"min=0"`
	CouponAmount   int64             `json:"coupon_amount" validate:"min=0"`
	ShippingCost   int64             `json:"shipping_cost" validate:"min=0"`
}

type LineItemRequest struct {
	ShopID    uuid.UUID  `json:"shop_id" validate:"required"`
	ProductID uuid.UUID  `json:"product_id" validate:"required"`
	VariantID *uuid.UUID `json:"variant_id,omitempty"`
	Price     int64      `json:"price" validate:"min=0"`
	Quantity  int64      `json:"quantity" validate:"required,min=1"`
}

type UpdateStatusRequest struct {
	OrderID   uuid.UUID          `json:"order_id" validate:"required"`
	NewStatus models.OrderStatus `json:"new_status" validate:"required,order_status"`
}

type OrderActionRequest struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
}

type OrderFilter struct {
	utils.PaginationParams
	OrderStatus string     `json:"order_status"`
	StatusID    string     `json:"status_id"`
	NeedPayBack *bool      `json:"need_pay_back"`
	CustomerID  *uuid.UUID `json:"customer_id"`
	ShopID      *uuid.UUID `json:"shop_id"`
	CreatedFrom *time.Time `json:"created_from"`
	CreatedTo   *time.Time `json:"created_to"`
}

func NewOrderService(db *gorm.DB, retrier *database.Retrier, revenue *RevenueService, publisher events.Publisher) *OrderService {
	return &OrderService{
		db:      db,
		retrier: retrier,
		revenue: revenue,
		events:  publisher,
	}
}

// CreateOrder ingests a checkout with prices already frozen by the catalog.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.CreateOrder")
	defer func() { finishSpan(span, err) }()

	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}

	order = &models.Order{
		CustomerID:     req.CustomerID,
		OrderStatus:    models.OrderStatusPending,
		StatusID:       models.PaymentStatusPending,
		DiscountAmount: req.DiscountAmount,
		CouponAmount:   req.CouponAmount,
		ShippingCost:   req.ShippingCost,
		Version:        1,
	}
	for _, item := range req.LineItems {
		order.LineItems = append(order.LineItems, models.OrderLineItem{
			ShopID:    item.ShopID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Price:     item.Price,
			Quantity:  item.Quantity,
		})
	}

	if reductions, ceiling := order.DiscountAmount+order.CouponAmount, order.Subtotal()+order.ShippingCost; reductions > ceiling {
		return nil, fmt.Errorf("%w: discount and coupon (%d) exceed subtotal plus shipping (%d)", apperr.ErrValidation, reductions, ceiling)
	}

	if req.TotalPrice != nil {
		order.TotalPrice = *req.TotalPrice
	} else {
		order.TotalPrice = order.ExpectedTotal()
	}

	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		// A retried attempt must not reuse ids from the rolled back insert
		order.ID = uuid.Nil
		for i := range order.LineItems {
			order.LineItems[i].ID = uuid.Nil
			order.LineItems[i].OrderID = uuid.Nil
		}
		return tx.Create(order).Error
	})
	if err != nil {
		return nil, err
	}
	checkOrderIntegrity(order)

	logrus.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"total_price": order.TotalPrice,
		"line_items":  len(order.LineItems),
	}).Info("Order created")

	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return loadOrderWithRetry(ctx, s.retrier, orderID)
}

func (s *OrderService) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	var orders []models.Order
	var total int64

	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Model(&models.Order{})

		if filter.OrderStatus != "" {
			query = query.Where("order_status = ?", filter.OrderStatus)
		}
		if filter.StatusID != "" {
			query = query.Where("status_id = ?", filter.StatusID)
		}
		if filter.NeedPayBack != nil {
			query = query.Where("need_pay_back = ?", *filter.NeedPayBack)
		}
		if filter.CustomerID != nil {
			query = query.Where("customer_id = ?", *filter.CustomerID)
		}
		if filter.ShopID != nil {
			query = query.Where("id IN (SELECT order_id FROM order_line_items WHERE shop_id = ?)", *filter.ShopID)
		}
		if filter.CreatedFrom != nil {
			query = query.Where("created_at >= ?", *filter.CreatedFrom)
		}
		if filter.CreatedTo != nil {
			query = query.Where("created_at <= ?", *filter.CreatedTo)
		}

		if err := query.Count(&total).Error; err != nil {
			return err
		}

		allowedSortFields := []string{"created_at", "updated_at", "total_price", "order_status"}
		query = utils.ApplySort(query, filter.PaginationParams, allowedSortFields)
		query = utils.ApplyPagination(query, filter.PaginationParams)

		return query.Preload("LineItems").Find(&orders).Error
	})
	if err != nil {
		return nil, 0, err
	}

	return orders, total, nil
}

// UpdateStatus moves an order one edge along the fulfillment state machine.
// Delivery generates revenue records in the same transaction; cancellation
// goes through CancelOrder so the refund latch is always applied.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, newStatus models.OrderStatus) (order *models.Order, err error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: %w: unknown order status %q", apperr.ErrValidation, apperr.ErrInvalidTransition, newStatus)
	}
	if newStatus == models.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID)
	}

	ctx, span := startSpan(ctx, "OrderService.UpdateStatus")
	defer func() { finishSpan(span, err) }()

	var from models.OrderStatus
	var generated []models.RevenueRecord

	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = loadOrder(tx, orderID)
		if err != nil {
			return err
		}

		from = order.OrderStatus
		if !from.CanTransitionTo(newStatus) {
			return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, from, newStatus)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"order_status": newStatus,
			"updated_at":   now,
		}
		if newStatus == models.OrderStatusDelivered {
			updates["order_delivered_at"] = now
		}

		if err := guardedUpdate(tx, order, updates); err != nil {
			return err
		}

		order.OrderStatus = newStatus
		order.UpdatedAt = now
		if newStatus == models.OrderStatusDelivered {
			order.OrderDeliveredAt = &now
			generated, err = s.revenue.Generate(tx, order)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordOrderTransition(string(newStatus))
	logrus.WithFields(logrus.Fields{
		"order_id": order.ID,
		"from":     from,
		"to":       newStatus,
	}).Info("Order status updated")

	publish(ctx, s.events, events.New(events.OrderStatusChanged, order.ID.String(), map[string]interface{}{
		"from": from,
		"to":   newStatus,
	}))
	if len(generated) > 0 {
		s.revenue.announce(ctx, order.ID, generated)
	}

	return order, nil
}

// CancelOrder cancels a pending or processing order. A paid order latches
// need_pay_back until MarkRefunded clears it.
func (s *OrderService) CancelOrder(ctx context.Context, orderID uuid.UUID) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.CancelOrder")
	defer func() { finishSpan(span, err) }()

	var from models.OrderStatus

	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = loadOrder(tx, orderID)
		if err != nil {
			return err
		}

		from = order.OrderStatus
		if !from.Cancellable() {
			return fmt.Errorf("%w: %s orders cannot be cancelled", apperr.ErrInvalidTransition, from)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"order_status": models.OrderStatusCancelled,
			"cancelled_at": now,
			"updated_at":   now,
		}
		needPayBack := order.StatusID == models.PaymentStatusPaid
		if needPayBack {
			updates["need_pay_back"] = true
		}

		if err := guardedUpdate(tx, order, updates); err != nil {
			return err
		}

		order.OrderStatus = models.OrderStatusCancelled
		order.CancelledAt = &now
		order.UpdatedAt = now
		if needPayBack {
			order.NeedPayBack = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordOrderTransition(string(models.OrderStatusCancelled))
	logrus.WithFields(logrus.Fields{
		"order_id":      order.ID,
		"from":          from,
		"need_pay_back": order.NeedPayBack,
	}).Info("Order cancelled")

	publish(ctx, s.events, events.New(events.OrderCancelled, order.ID.String(), map[string]interface{}{
		"from":          from,
		"need_pay_back": order.NeedPayBack,
	}))

	return order, nil
}

// MarkRefunded records an out-of-band refund. status_id stays paid.
func (s *OrderService) MarkRefunded(ctx context.Context, orderID uuid.UUID) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.MarkRefunded")
	defer func() { finishSpan(span, err) }()

	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = loadOrder(tx, orderID)
		if err != nil {
			return err
		}

		if !order.NeedPayBack {
			return fmt.Errorf("%w: order %s", apperr.ErrNoRefundPending, order.ID)
		}

		now := time.Now().UTC()
		if err := guardedUpdate(tx, order, map[string]interface{}{
			"need_pay_back": false,
			"refunded_at":   now,
			"updated_at":    now,
		}); err != nil {
			return err
		}

		order.NeedPayBack = false
		order.RefundedAt = &now
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithField("order_id", order.ID).Info("Order refund recorded")
	publish(ctx, s.events, events.New(events.OrderRefunded, order.ID.String(), nil))

	return order, nil
}

func loadOrder(tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := tx.Preload("LineItems").First(&order, "id = ?", orderID).Error; err != nil {
		return nil, notFound(err, apperr.ErrOrderNotFound, orderID)
	}
	return &order, nil
}

// guardedUpdate writes updates only if the order still has the version that was read.
func guardedUpdate(tx *gorm.DB, order *models.Order, updates map[string]interface{}) error {
	updates["version"] = order.Version + 1

	result := tx.Model(&models.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version). // optimistic guard
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s was modified concurrently", apperr.ErrInvalidTransition, order.ID)
	}

	order.Version++
	return nil
}

// checkOrderIntegrity logs, and never corrects, orders whose line items do not add up.
func checkOrderIntegrity(order *models.Order) bool {
	expected := order.ExpectedTotal()
	diff := expected - order.TotalPrice
	if diff < 0 {
		diff = -diff
	}
	if diff <= integrityTolerance {
		return true
	}

	metrics.RecordDataIntegrityWarning()
	logrus.WithError(apperr.ErrDataIntegrity).WithFields(logrus.Fields{
		"order_id":        order.ID,
		"customer_id":     order.CustomerID,
		"total_price":     order.TotalPrice,
		"expected_total":  expected,
		"subtotal":        order.Subtotal(),
		"discount_amount": order.DiscountAmount,
		"coupon_amount":   order.CouponAmount,
		"shipping_cost":   order.ShippingCost,
	}).Warn("DataIntegrityWarning: order totals mismatch")
	return false
}
