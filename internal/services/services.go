// internal/services/services.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/javajoker/settlement-backend/internal/cache"
	"github.com/javajoker/settlement-backend/internal/config"
	"github.com/javajoker/settlement-backend/internal/database"
	"github.com/javajoker/settlement-backend/internal/events"
)

var tracer = otel.Tracer("github.com/javajoker/settlement-backend/internal/services")

type Dependencies struct {
	DB      *gorm.DB
	Config  *config.Config
	Cache   cache.Store
	Events  events.Publisher
	Gateway PaymentGateway
}

type Services struct {
	Orders     *OrderService
	Revenue    *RevenueService
	Settlement *SettlementService
	Payments   *PaymentService
	Statements *StatementService
}

func New(deps Dependencies) (*Services, error) {
	cfg := deps.Config
	if deps.Cache == nil {
		deps.Cache = cache.NoopStore{}
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Gateway == nil {
		deps.Gateway = NewStripeGateway(cfg.Payment.StripeSecretKey)
	}

	retrier := database.NewRetrier(
		deps.DB,
		cfg.Settlement.RetryAttempts,
		time.Duration(cfg.Settlement.RetryBackoffMs)*time.Millisecond,
	)

	revenue := NewRevenueService(deps.DB, retrier, NewFlatCommission(cfg.Settlement.CommissionRateBps), deps.Events)
	orders := NewOrderService(deps.DB, retrier, revenue, deps.Events)

	settlement, err := NewSettlementService(deps.DB, retrier, deps.Cache, deps.Events, SettlementOptions{
		SnowflakeNode: cfg.Settlement.SnowflakeNode,
		CacheTTL:      time.Duration(cfg.Settlement.BatchCacheTTL) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	statements, err := NewStatementService(cfg, settlement)
	if err != nil {
		return nil, err
	}

	return &Services{
		Orders:     orders,
		Revenue:    revenue,
		Settlement: settlement,
		Payments:   NewPaymentService(deps.DB, retrier, deps.Gateway, deps.Events),
		Statements: statements,
	}, nil
}

// publish sends a post-commit event; failures are logged and never undo the commit.
func publish(ctx context.Context, publisher events.Publisher, event events.Event) {
	if err := publisher.Publish(ctx, event); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"type":         event.Type,
			"aggregate_id": event.AggregateID,
		}).Warn("Failed to publish event")
	}
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func notFound(err error, sentinel error, id fmt.Stringer) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
