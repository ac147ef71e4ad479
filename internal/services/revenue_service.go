// internal/services/revenue_service.go
package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/settlement-backend/internal/apperr"
	"github.com/javajoker/settlement-backend/internal/database"
	"github.com/javajoker/settlement-backend/internal/events"
	"github.com/javajoker/settlement-backend/internal/metrics"
	"github.com/javajoker/settlement-backend/internal/models"
)

type RevenueService struct {
	db      *gorm.DB
	retrier *database.Retrier
	policy  CommissionPolicy
	events  events.Publisher
}

func NewRevenueService(db *gorm.DB, retrier *database.Retrier, policy CommissionPolicy, publisher events.Publisher) *RevenueService {
	return &RevenueService{
		db:      db,
		retrier: retrier,
		policy:  policy,
		events:  publisher,
	}
}

// Generate creates one revenue record per shop in a delivered order, inside the
// caller's transaction. It is a no-op when the order already has records.
func (s *RevenueService) Generate(tx *gorm.DB, order *models.Order) ([]models.RevenueRecord, error) {
	var existing int64
	if err := tx.Model(&models.RevenueRecord{}).Where("order_id = ?", order.ID).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		logrus.WithField("order_id", order.ID).Debug("Revenue records already exist, skipping generation")
		return nil, nil
	}

	if order.LineItems == nil {
		if err := tx.Where("order_id = ?", order.ID).Find(&order.LineItems).Error; err != nil {
			return nil, err
		}
	}
	checkOrderIntegrity(order)

	transactionDate := time.Now().UTC()
	if order.OrderDeliveredAt != nil {
		transactionDate = *order.OrderDeliveredAt
	}

	records := BuildRevenueRecords(order, s.policy, transactionDate)
	if len(records) == 0 {
		return nil, nil
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}, {Name: "shop_id"}},
		DoNothing: true,
	}).Create(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create revenue records: %w", err)
	}

	return records, nil
}

// GenerateForOrder backfills revenue records for an already delivered order.
func (s *RevenueService) GenerateForOrder(ctx context.Context, orderID uuid.UUID) (records []models.RevenueRecord, err error) {
	ctx, span := startSpan(ctx, "RevenueService.GenerateForOrder")
	defer func() { finishSpan(span, err) }()

	var generated []models.RevenueRecord

	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		order, err := loadOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.OrderStatus != models.OrderStatusDelivered {
			return fmt.Errorf("%w: order %s is %s, not delivered", apperr.ErrInvalidTransition, order.ID, order.OrderStatus)
		}

		generated, err = s.Generate(tx, order)
		if err != nil {
			return err
		}

		records = nil
		return tx.Where("order_id = ?", order.ID).Order("shop_id").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}

	if len(generated) > 0 {
		s.announce(ctx, orderID, generated)
	}
	return records, nil
}

func (s *RevenueService) announce(ctx context.Context, orderID uuid.UUID, records []models.RevenueRecord) {
	metrics.RecordRevenueRecords(len(records))

	var total, commission int64
	shops := make([]string, 0, len(records))
	for _, record := range records {
		total += record.TotalAmount
		commission += record.CommissionAmount
		shops = append(shops, record.ShopID.String())
	}

	logrus.WithFields(logrus.Fields{
		"order_id":   orderID,
		"records":    len(records),
		"total":      total,
		"commission": commission,
	}).Info("Revenue records generated")

	publish(ctx, s.events, events.New(events.RevenueGenerated, orderID.String(), map[string]interface{}{
		"shops":      shops,
		"total":      total,
		"commission": commission,
	}))
}

// BuildRevenueRecords splits an order into per-shop revenue. The order-level
// discount is shared across shops in proportion to their subtotals.
func BuildRevenueRecords(order *models.Order, policy CommissionPolicy, transactionDate time.Time) []models.RevenueRecord {
	subtotals := make(map[uuid.UUID]int64)
	for _, item := range order.LineItems {
		subtotals[item.ShopID] += item.LineTotal()
	}

	shops := make([]uuid.UUID, 0, len(subtotals))
	for shopID := range subtotals {
		shops = append(shops, shopID)
	}
	sort.Slice(shops, func(i, j int) bool {
		return shops[i].String() < shops[j].String()
	})

	shares := allocateDiscount(order.OrderDiscount(), shops, subtotals)

	records := make([]models.RevenueRecord, 0, len(shops))
	for _, shopID := range shops {
		total := subtotals[shopID] - shares[shopID]
		bps := policy.RateBps(shopID)
		commission := Commission(total, bps)

		records = append(records, models.RevenueRecord{
			OrderID:           order.ID,
			ShopID:            shopID,
			TotalAmount:       total,
			CommissionAmount:  commission,
			ShopEarning:       total - commission,
			CommissionRateBps: bps,
			TransactionDate:   transactionDate,
		})
	}
	return records
}

// allocateDiscount distributes discount over shops by the largest remainder
// method so the shares sum exactly to discount. shops must be sorted; ties on
// the remainder go to the earlier shop.
func allocateDiscount(discount int64, shops []uuid.UUID, subtotals map[uuid.UUID]int64) map[uuid.UUID]int64 {
	shares := make(map[uuid.UUID]int64, len(shops))

	var grand int64
	for _, shopID := range shops {
		grand += subtotals[shopID]
	}
	if discount <= 0 || grand <= 0 {
		return shares
	}

	type remainder struct {
		shopID uuid.UUID
		value  decimal.Decimal
	}

	remainders := make([]remainder, 0, len(shops))
	grandDec := decimal.NewFromInt(grand)
	var allocated int64

	for _, shopID := range shops {
		quotient, rem := decimal.NewFromInt(discount).
			Mul(decimal.NewFromInt(subtotals[shopID])).
			QuoRem(grandDec, 0)

		share := quotient.IntPart()
		shares[shopID] = share
		allocated += share
		remainders = append(remainders, remainder{shopID: shopID, value: rem})
	}

	sort.SliceStable(remainders, func(i, j int) bool {
		return remainders[i].value.GreaterThan(remainders[j].value)
	})

	for i := int64(0); i < discount-allocated; i++ {
		shares[remainders[i].shopID]++
	}
	return shares
}
