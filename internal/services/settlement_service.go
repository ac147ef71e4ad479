// internal/services/settlement_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/settlement-backend/internal/apperr"
	"github.com/javajoker/settlement-backend/internal/cache"
	"github.com/javajoker/settlement-backend/internal/database"
	"github.com/javajoker/settlement-backend/internal/events"
	"github.com/javajoker/settlement-backend/internal/metrics"
	"github.com/javajoker/settlement-backend/internal/models"
	"github.com/javajoker/settlement-backend/internal/utils"
)

// batchMembers selects the records a batch claimed, from the membership ledger.
const batchMembers = "id IN (SELECT revenue_record_id FROM payment_batch_records WHERE batch_id = ?)"

// eligibleRecords selects unpaid records of delivered orders that are either
// unbatched or held by a failed batch. Args: eligibleArgs().
const eligibleRecords = "paid = ? AND (batch_id IS NULL OR batch_id IN (SELECT id FROM payment_batches WHERE status = ?)) AND order_id IN (SELECT id FROM orders WHERE order_status = ?)"

func eligibleArgs() []interface{} {
	return []interface{}{false, models.BatchStatusFailed, models.OrderStatusDelivered}
}

type SettlementService struct {
	db       *gorm.DB
	retrier  *database.Retrier
	cache    cache.Store
	events   events.Publisher
	node     *snowflake.Node
	cacheTTL time.Duration
}

type SettlementOptions struct {
	SnowflakeNode int64
	CacheTTL      time.Duration
}

type ShopPayout struct {
	ShopID           uuid.UUID              `json:"shop_id"`
	Records          []models.RevenueRecord `json:"records"`
	TotalAmount      int64                  `json:"total_amount"`
	CommissionAmount int64                  `json:"commission_amount"`
	NetPayable       int64                  `json:"net_payable"`
}

type BatchDetail struct {
	Batch models.PaymentBatch `json:"batch"`
	Shops []ShopPayout        `json:"shops"`
}

type ProcessBatchRequest struct {
	TransactionID string `json:"transaction_id"`
}

type FailBatchRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

type BatchFilter struct {
	utils.PaginationParams
	Status      string     `json:"status"`
	CreatedFrom *time.Time `json:"created_from"`
	CreatedTo   *time.Time `json:"created_to"`
}

type RevenueRecordFilter struct {
	utils.PaginationParams
	ShopID  *uuid.UUID `json:"shop_id"`
	OrderID *uuid.UUID `json:"order_id"`
	BatchID *uuid.UUID `json:"batch_id"`
	Paid    *bool      `json:"paid"`
}

// ShopSummary is the seller dashboard view of a shop's earnings. Amounts are shop earnings.
type ShopSummary struct {
	ShopID          uuid.UUID `json:"shop_id"`
	TotalRecords    int64     `json:"total_records"`
	TotalSales      int64     `json:"total_sales"`
	TotalCommission int64     `json:"total_commission"`
	TotalEarned     int64     `json:"total_earned"`
	PaidAmount      int64     `json:"paid_amount"`
	InBatchAmount   int64     `json:"in_batch_amount"`
	PendingAmount   int64     `json:"pending_amount"`
}

func NewSettlementService(db *gorm.DB, retrier *database.Retrier, store cache.Store, publisher events.Publisher, opts SettlementOptions) (*SettlementService, error) {
	node, err := snowflake.NewNode(opts.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &SettlementService{
		db:       db,
		retrier:  retrier,
		cache:    store,
		events:   publisher,
		node:     node,
		cacheTTL: opts.CacheTTL,
	}, nil
}

func (s *SettlementService) nextBatchNumber() string {
	return "PB" + s.node.Generate().String()
}

// CreateBatch claims every eligible revenue record into a new pending batch.
// The claim repeats the eligibility predicate, so concurrent callers end up
// with disjoint record sets and totals cover only what this call claimed.
func (s *SettlementService) CreateBatch(ctx context.Context) (detail *BatchDetail, err error) {
	ctx, span := startSpan(ctx, "SettlementService.CreateBatch")
	defer func() { finishSpan(span, err) }()

	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		var candidateIDs []uuid.UUID
		if err := tx.Model(&models.RevenueRecord{}).
			Where(eligibleRecords, eligibleArgs()...).
			Pluck("id", &candidateIDs).Error; err != nil {
			return err
		}
		if len(candidateIDs) == 0 {
			return apperr.ErrNoEligibleRecords
		}

		now := time.Now().UTC()
		batch := &models.PaymentBatch{
			BatchNumber: s.nextBatchNumber(),
			Status:      models.BatchStatusPending,
			StartDate:   now,
			EndDate:     now,
		}
		if err := tx.Create(batch).Error; err != nil {
			return err
		}

		claim := tx.Model(&models.RevenueRecord{}).
			Where("id IN ?", candidateIDs).
			Where(eligibleRecords, eligibleArgs()...).
			Updates(map[string]interface{}{
				"batch_id":   batch.ID,
				"updated_at": now,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return fmt.Errorf("%w: all candidates were claimed concurrently", apperr.ErrNoEligibleRecords)
		}

		var claimed []models.RevenueRecord
		if err := tx.Where("batch_id = ?", batch.ID).Find(&claimed).Error; err != nil {
			return err
		}

		members := make([]models.PaymentBatchRecord, 0, len(claimed))
		for _, record := range claimed {
			members = append(members, models.PaymentBatchRecord{BatchID: batch.ID, RevenueRecordID: record.ID, CreatedAt: now})
		}
		if err := tx.Create(&members).Error; err != nil {
			return err
		}

		applyBatchTotals(batch, claimed)
		if err := tx.Model(&models.PaymentBatch{}).Where("id = ?", batch.ID).Updates(map[string]interface{}{
			"start_date":         batch.StartDate,
			"total_amount":       batch.TotalAmount,
			"total_commission":   batch.TotalCommission,
			"total_shop_earning": batch.TotalShopEarning,
			"total_shops":        batch.TotalShops,
			"total_records":      batch.TotalRecords,
		}).Error; err != nil {
			return err
		}

		detail = &BatchDetail{Batch: *batch, Shops: groupByShop(claimed)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch := detail.Batch
	metrics.RecordBatchStatus(string(models.BatchStatusPending))
	logrus.WithFields(logrus.Fields{
		"batch_id":     batch.ID,
		"batch_number": batch.BatchNumber,
		"records":      batch.TotalRecords,
		"shops":        batch.TotalShops,
		"total_amount": batch.TotalAmount,
	}).Info("Payment batch created")

	publish(ctx, s.events, events.New(events.BatchCreated, batch.ID.String(), map[string]interface{}{
		"batch_number": batch.BatchNumber,
		"total_amount": batch.TotalAmount,
		"total_shops":  batch.TotalShops,
	}))

	return detail, nil
}

// ProcessBatch settles a pending batch: pending -> processing, then records
// paid and processing -> completed in one transaction. If that transaction
// cannot commit the batch is marked failed and its records stay unpaid.
func (s *SettlementService) ProcessBatch(ctx context.Context, batchID uuid.UUID, transactionID string) (detail *BatchDetail, err error) {
	ctx, span := startSpan(ctx, "SettlementService.ProcessBatch")
	defer func() { finishSpan(span, err) }()

	batch, err := s.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != models.BatchStatusPending {
		return nil, fmt.Errorf("%w: batch %s is %s", apperr.ErrInvalidBatchState, batch.ID, batch.Status)
	}

	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, apperr.ErrMissingTransactionID
	}

	err = s.retrier.Run(ctx, func(ctx context.Context) error {
		return transitionBatch(s.db.WithContext(ctx), batch.ID, models.BatchStatusPending, models.BatchStatusProcessing, nil)
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordBatchStatus(string(models.BatchStatusProcessing))

	now := time.Now().UTC()
	err = s.retrier.Transaction(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&models.RevenueRecord{}).
			Where("batch_id = ? AND paid = ?", batch.ID, false).
			Updates(map[string]interface{}{
				"paid":       true,
				"paid_at":    now,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != int64(batch.TotalRecords) {
			logrus.WithFields(logrus.Fields{
				"batch_id": batch.ID,
				"expected": batch.TotalRecords,
				"marked":   result.RowsAffected,
			}).Warn("Batch record count differs from frozen total")
		}

		return transitionBatch(tx, batch.ID, models.BatchStatusProcessing, models.BatchStatusCompleted, map[string]interface{}{
			"transaction_id": transactionID,
			"processed_at":   now,
		})
	})
	if err != nil {
		if apperr.IsDomain(err) {
			return nil, err
		}
		if !s.recoverPhaseTwo(ctx, batch.ID, err) {
			if errors.Is(err, apperr.ErrStorageUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", apperr.ErrStorageUnavailable, err)
		}
	}

	metrics.RecordBatchStatus(string(models.BatchStatusCompleted))
	metrics.RecordBatchSettled(batch.TotalAmount, batch.TotalCommission)
	logrus.WithFields(logrus.Fields{
		"batch_id":       batch.ID,
		"batch_number":   batch.BatchNumber,
		"transaction_id": transactionID,
	}).Info("Payment batch completed")

	publish(ctx, s.events, events.New(events.BatchCompleted, batch.ID.String(), map[string]interface{}{
		"batch_number":   batch.BatchNumber,
		"transaction_id": transactionID,
		"total_amount":   batch.TotalAmount,
	}))

	return s.GetBatch(ctx, batch.ID)
}

// recoverPhaseTwo runs after the phase two transaction returned an error and
// reports whether the batch is completed anyway. A commit can land even though
// the driver reports a failure; the compare-and-set in markFailed then finds
// the batch completed, and it is reloaded to confirm.
func (s *SettlementService) recoverPhaseTwo(ctx context.Context, batchID uuid.UUID, cause error) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := s.markFailed(ctx, batchID, cause)
	if !errors.Is(err, apperr.ErrInvalidBatchState) {
		return false
	}

	current, err := s.loadBatch(ctx, batchID)
	if err != nil {
		logrus.WithError(err).WithField("batch_id", batchID).Error("Failed to reload batch after phase two error")
		return false
	}
	if current.Status != models.BatchStatusCompleted {
		return false
	}

	logrus.WithError(cause).WithField("batch_id", batchID).Warn("Phase two reported an error but the batch is completed")
	return true
}

// markFailed is the best-effort failure path after phase two gives up. If it
// cannot write either, the batch stays processing until FailBatch is called.
// InvalidBatchState means the batch already left processing.
func (s *SettlementService) markFailed(ctx context.Context, batchID uuid.UUID, cause error) error {
	now := time.Now().UTC()
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		return transitionBatch(s.db.WithContext(ctx), batchID, models.BatchStatusProcessing, models.BatchStatusFailed, map[string]interface{}{
			"failed_at":      now,
			"failure_reason": cause.Error(),
		})
	})
	if errors.Is(err, apperr.ErrInvalidBatchState) {
		return err
	}
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"batch_id": batchID,
			"cause":    cause.Error(),
		}).Error("Failed to mark batch failed; batch left processing")
		return err
	}

	metrics.RecordBatchStatus(string(models.BatchStatusFailed))
	logrus.WithError(cause).WithField("batch_id", batchID).Error("Payment batch failed")
	publish(ctx, s.events, events.New(events.BatchFailed, batchID.String(), map[string]interface{}{
		"reason": cause.Error(),
	}))
	return nil
}

// FailBatch is the caller-driven failure path, e.g. a bank transfer timeout.
// The batch's records become eligible for the next batch.
func (s *SettlementService) FailBatch(ctx context.Context, batchID uuid.UUID, reason string) (batch *models.PaymentBatch, err error) {
	ctx, span := startSpan(ctx, "SettlementService.FailBatch")
	defer func() { finishSpan(span, err) }()

	batch, err = s.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Status.CanTransitionTo(models.BatchStatusFailed) {
		return nil, fmt.Errorf("%w: batch %s is %s", apperr.ErrInvalidBatchState, batch.ID, batch.Status)
	}

	now := time.Now().UTC()
	from := batch.Status
	err = s.retrier.Run(ctx, func(ctx context.Context) error {
		return transitionBatch(s.db.WithContext(ctx), batch.ID, from, models.BatchStatusFailed, map[string]interface{}{
			"failed_at":      now,
			"failure_reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}

	batch.Status = models.BatchStatusFailed
	batch.FailedAt = &now
	batch.FailureReason = reason

	metrics.RecordBatchStatus(string(models.BatchStatusFailed))
	logrus.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"from":     from,
		"reason":   reason,
	}).Warn("Payment batch marked failed")

	publish(ctx, s.events, events.New(events.BatchFailed, batch.ID.String(), map[string]interface{}{
		"reason": reason,
	}))

	return batch, nil
}

// GetBatch returns the batch and the per-shop breakdown of every record it
// claimed, including records a failed batch released to a later one.
// Completed batches are immutable and served from cache.
func (s *SettlementService) GetBatch(ctx context.Context, batchID uuid.UUID) (*BatchDetail, error) {
	key := cache.BatchKey(batchID.String())

	var cached BatchDetail
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		logrus.WithError(err).WithField("batch_id", batchID).Warn("Batch cache read failed")
	}

	var detail *BatchDetail
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		db := s.db.WithContext(ctx)

		var batch models.PaymentBatch
		if err := db.First(&batch, "id = ?", batchID).Error; err != nil {
			return notFound(err, apperr.ErrBatchNotFound, batchID)
		}

		var records []models.RevenueRecord
		if err := db.Where(batchMembers, batchID).Find(&records).Error; err != nil {
			return err
		}

		detail = &BatchDetail{Batch: batch, Shops: groupByShop(records)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if detail.Batch.Status == models.BatchStatusCompleted {
		if err := s.cache.Set(ctx, key, detail, s.cacheTTL); err != nil {
			logrus.WithError(err).WithField("batch_id", batchID).Warn("Batch cache write failed")
		}
	}
	return detail, nil
}

func (s *SettlementService) ListBatches(ctx context.Context, filter BatchFilter) ([]models.PaymentBatch, int64, error) {
	var batches []models.PaymentBatch
	var total int64

	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Model(&models.PaymentBatch{})

		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
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

		allowedSortFields := []string{"created_at", "total_amount", "status", "processed_at"}
		query = utils.ApplySort(query, filter.PaginationParams, allowedSortFields)
		query = utils.ApplyPagination(query, filter.PaginationParams)

		return query.Find(&batches).Error
	})
	if err != nil {
		return nil, 0, err
	}

	return batches, total, nil
}

func (s *SettlementService) ListRevenueRecords(ctx context.Context, filter RevenueRecordFilter) ([]models.RevenueRecord, int64, error) {
	var records []models.RevenueRecord
	var total int64

	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		query := s.db.WithContext(ctx).Model(&models.RevenueRecord{})

		if filter.ShopID != nil {
			query = query.Where("shop_id = ?", *filter.ShopID)
		}
		if filter.OrderID != nil {
			query = query.Where("order_id = ?", *filter.OrderID)
		}
		if filter.BatchID != nil {
			query = query.Where(batchMembers, *filter.BatchID)
		}
		if filter.Paid != nil {
			query = query.Where("paid = ?", *filter.Paid)
		}

		if err := query.Count(&total).Error; err != nil {
			return err
		}

		allowedSortFields := []string{"created_at", "transaction_date", "total_amount", "shop_earning"}
		query = utils.ApplySort(query, filter.PaginationParams, allowedSortFields)
		query = utils.ApplyPagination(query, filter.PaginationParams)

		return query.Find(&records).Error
	})
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func (s *SettlementService) ShopSummary(ctx context.Context, shopID uuid.UUID) (*ShopSummary, error) {
	summary := &ShopSummary{ShopID: shopID}

	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		db := s.db.WithContext(ctx)

		var totals struct {
			TotalRecords    int64
			TotalSales      int64
			TotalCommission int64
			TotalEarned     int64
			PaidAmount      int64
		}
		if err := db.Model(&models.RevenueRecord{}).
			Select(`COUNT(*) AS total_records,
				COALESCE(SUM(total_amount), 0) AS total_sales,
				COALESCE(SUM(commission_amount), 0) AS total_commission,
				COALESCE(SUM(shop_earning), 0) AS total_earned,
				COALESCE(SUM(CASE WHEN paid THEN shop_earning ELSE 0 END), 0) AS paid_amount`).
			Where("shop_id = ?", shopID).
			Scan(&totals).Error; err != nil {
			return err
		}

		var inBatch int64
		if err := db.Model(&models.RevenueRecord{}).
			Select("COALESCE(SUM(shop_earning), 0)").
			Where("shop_id = ? AND paid = ?", shopID, false).
			Where("batch_id IN (SELECT id FROM payment_batches WHERE status IN ?)",
				[]models.BatchStatus{models.BatchStatusPending, models.BatchStatusProcessing}).
			Scan(&inBatch).Error; err != nil {
			return err
		}

		summary.TotalRecords = totals.TotalRecords
		summary.TotalSales = totals.TotalSales
		summary.TotalCommission = totals.TotalCommission
		summary.TotalEarned = totals.TotalEarned
		summary.PaidAmount = totals.PaidAmount
		summary.InBatchAmount = inBatch
		summary.PendingAmount = totals.TotalEarned - totals.PaidAmount - inBatch
		return nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

func (s *SettlementService) loadBatch(ctx context.Context, batchID uuid.UUID) (*models.PaymentBatch, error) {
	var batch models.PaymentBatch
	err := s.retrier.Run(ctx, func(ctx context.Context) error {
		if err := s.db.WithContext(ctx).First(&batch, "id = ?", batchID).Error; err != nil {
			return notFound(err, apperr.ErrBatchNotFound, batchID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// transitionBatch compare-and-sets the batch status; a lost race is InvalidBatchState.
func transitionBatch(tx *gorm.DB, batchID uuid.UUID, from, to models.BatchStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.Model(&models.PaymentBatch{}).
		Where("id = ? AND status = ?", batchID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: batch %s is no longer %s", apperr.ErrInvalidBatchState, batchID, from)
	}
	return nil
}

// applyBatchTotals freezes the aggregates of the claimed records onto the batch.
func applyBatchTotals(batch *models.PaymentBatch, records []models.RevenueRecord) {
	shops := make(map[uuid.UUID]struct{})
	batch.TotalAmount, batch.TotalCommission, batch.TotalShopEarning = 0, 0, 0

	for i, record := range records {
		batch.TotalAmount += record.TotalAmount
		batch.TotalCommission += record.CommissionAmount
		batch.TotalShopEarning += record.ShopEarning
		shops[record.ShopID] = struct{}{}

		if i == 0 || record.TransactionDate.Before(batch.StartDate) {
			batch.StartDate = record.TransactionDate
		}
	}

	batch.TotalShops = len(shops)
	batch.TotalRecords = len(records)
}

func groupByShop(records []models.RevenueRecord) []ShopPayout {
	byShop := make(map[uuid.UUID]*ShopPayout)
	for _, record := range records {
		payout, ok := byShop[record.ShopID]
		if !ok {
			payout = &ShopPayout{ShopID: record.ShopID}
			byShop[record.ShopID] = payout
		}
		payout.Records = append(payout.Records, record)
		payout.TotalAmount += record.TotalAmount
		payout.CommissionAmount += record.CommissionAmount
		payout.NetPayable += record.ShopEarning
	}

	payouts := make([]ShopPayout, 0, len(byShop))
	for _, payout := range byShop {
		sort.Slice(payout.Records, func(i, j int) bool {
			return payout.Records[i].TransactionDate.Before(payout.Records[j].TransactionDate)
		})
		payouts = append(payouts, *payout)
	}
	sort.Slice(payouts, func(i, j int) bool {
		return payouts[i].ShopID.String() < payouts[j].ShopID.String()
	})
	return payouts
}
