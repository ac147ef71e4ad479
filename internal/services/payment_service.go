// internal/services/payment_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"gorm.io/gorm"

	"github.com/javajoker/settlement-backend/internal/apperr"
	"github.com/javajoker/settlement-backend/internal/database"
	"github.com/javajoker/settlement-backend/internal/events"
	"github.com/javajoker/settlement-backend/internal/models"
	"github.com/javajoker/settlement-backend/internal/utils"
)

// PaymentGateway is the opaque payment provider; it only reports an outcome.
type PaymentGateway interface {
	PaymentStatus(ctx context.Context, reference string) (models.GatewayStatus, error)
}

type StripeGateway struct {
	breaker *breaker.Breaker
}

func NewStripeGateway(secretKey string) *StripeGateway {
	// Initialize Stripe
	stripe.Key = secretKey

	return &StripeGateway{
		breaker: breaker.New(3, 1, 30*time.Second),
	}
}

func (g *StripeGateway) PaymentStatus(ctx context.Context, reference string) (models.GatewayStatus, error) {
	var status models.GatewayStatus

	err := g.breaker.Run(func() error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx

		pi, err := paymentintent.Get(reference, params)
		if err != nil {
			return err
		}
		status = mapStripeStatus(pi.Status)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, err)
	}

	return status, nil
}

func mapStripeStatus(status stripe.PaymentIntentStatus) models.GatewayStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.GatewayStatusPaid
	case stripe.PaymentIntentStatusCanceled:
		return models.GatewayStatusFailed
	default:
		return models.GatewayStatusPending
	}
}

type PaymentService struct {
	db      *gorm.DB
	retrier *database.Retrier
	gateway PaymentGateway
	events  events.Publisher
}

type RecordPaymentRequest struct {
	Status    models.GatewayStatus   `json:"status" validate:"required,oneof=PAID PENDING FAILED"`
	Reference string                 `json:"reference" validate:"required,max=255"`
	Amount    int64                  `json:"amount" validate:"min=0"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type SyncPaymentRequest struct {
	Reference string `json:"reference" validate:"required,max=255"`
}

func NewPaymentService(db *gorm.DB, retrier *database.Retrier, gateway PaymentGateway, publisher events.Publisher) *PaymentService {
	return &PaymentService{
		db:      db,
		retrier: retrier,
		gateway: gateway,
		events:  publisher,
	}
}

// RecordPayment applies a gateway outcome to an order. Only PAID changes
// state: status_id becomes paid and payment_details is written once.
func (s *PaymentService) RecordPayment(ctx context.Context, orderID uuid.UUID, req *RecordPaymentRequest) (order *models.Order, err error) {
	ctx, span := startSpan(ctx, "PaymentService.RecordPayment")
	defer func() { finishSpan(span, err) }()

	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}

	if req.Status != models.GatewayStatusPaid {
		order, err = loadOrderWithRetry(ctx, s.retrier, orderID)
		if err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"order_id":  orderID,
			"reference": req.Reference,
			"status":    req.Status,
		}).Info("Payment not settled, order unchanged")
		return order, nil
	}

	changed := false
	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = loadOrder(tx, orderID)
		if err != nil {
			return err
		}

		if order.StatusID == models.PaymentStatusPaid {
			if ref, _ := order.PaymentDetails["reference"].(string); ref == req.Reference {
				return nil
			}
			return fmt.Errorf("%w: order %s already has payment details", apperr.ErrInvalidTransition, order.ID)
		}
		if order.OrderStatus == models.OrderStatusCancelled {
			return fmt.Errorf("%w: order %s is cancelled", apperr.ErrInvalidTransition, order.ID)
		}

		now := time.Now().UTC()
		details := models.JSONB{}
		for k, v := range req.Details {
			details[k] = v
		}
		details["reference"] = req.Reference
		details["amount"] = req.Amount
		details["gateway_status"] = string(req.Status)
		details["recorded_at"] = now.Format(time.RFC3339)

		if err := guardedUpdate(tx, order, map[string]interface{}{
			"status_id":       models.PaymentStatusPaid,
			"payment_details": details,
			"paid_at":         now,
			"updated_at":      now,
		}); err != nil {
			return err
		}

		order.StatusID = models.PaymentStatusPaid
		order.PaymentDetails = details
		order.PaidAt = &now
		order.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		if req.Amount != order.TotalPrice {
			logrus.WithError(apperr.ErrDataIntegrity).WithFields(logrus.Fields{
				"order_id":    order.ID,
				"paid_amount": req.Amount,
				"total_price": order.TotalPrice,
			}).Warn("DataIntegrityWarning: paid amount differs from order total")
		}

		logrus.WithFields(logrus.Fields{
			"order_id":  order.ID,
			"reference": req.Reference,
		}).Info("Order payment recorded")

		publish(ctx, s.events, events.New(events.OrderPaid, order.ID.String(), map[string]interface{}{
			"reference": req.Reference,
			"amount":    req.Amount,
		}))
	}

	return order, nil
}

// SyncPayment pulls the outcome for reference from the gateway and records it.
func (s *PaymentService) SyncPayment(ctx context.Context, orderID uuid.UUID, reference string) (*models.Order, error) {
	order, err := loadOrderWithRetry(ctx, s.retrier, orderID)
	if err != nil {
		return nil, err
	}

	status, err := s.gateway.PaymentStatus(ctx, reference)
	if err != nil {
		if errors.Is(err, breaker.ErrBreakerOpen) {
			logrus.WithField("order_id", orderID).Warn("Payment gateway circuit open")
		}
		return nil, err
	}

	return s.RecordPayment(ctx, order.ID, &RecordPaymentRequest{
		Status:    status,
		Reference: reference,
		Amount:    order.TotalPrice,
		Details:   map[string]interface{}{"source": "gateway_sync"},
	})
}

func loadOrderWithRetry(ctx context.Context, retrier *database.Retrier, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		order, err = loadOrder(retrier.DB().WithContext(ctx), orderID)
		return err
	})
	return order, err
}
