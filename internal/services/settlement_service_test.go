package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/settlement-backend/internal/apperr"
	"github.com/javajoker/settlement-backend/internal/cache"
	"github.com/javajoker/settlement-backend/internal/events"
	"github.com/javajoker/settlement-backend/internal/models"
	"github.com/javajoker/settlement-backend/internal/utils"
)

func (s *ServicesTestSuite) deliveredOrders() {
	first := s.createOrder(item(s.shopOne, 100, 2), item(s.shopTwo, 50, 1))
	second := s.createOrder(item(s.shopOne, 30, 1))
	s.deliver(first.ID)
	s.deliver(second.ID)
}

func (s *ServicesTestSuite) TestCreateBatchWithoutEligibleRecords() {
	_, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.ErrorIs(err, apperr.ErrNoEligibleRecords)

	// Undelivered orders have no records to claim either
	s.createOrder(item(s.shopOne, 100, 1))
	_, err = s.svc.Settlement.CreateBatch(s.ctx)
	s.ErrorIs(err, apperr.ErrNoEligibleRecords)

	var batches int64
	s.Require().NoError(s.db.Model(&models.PaymentBatch{}).Count(&batches).Error)
	s.Zero(batches)
}

func (s *ServicesTestSuite) TestCreateBatchClaimsAndTotals() {
	s.deliveredOrders()

	detail, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)

	batch := detail.Batch
	s.Equal(models.BatchStatusPending, batch.Status)
	s.True(strings.HasPrefix(batch.BatchNumber, "PB"))
	s.Equal(3, batch.TotalRecords)
	s.Equal(2, batch.TotalShops)
	s.Equal(int64(280), batch.TotalAmount)
	s.Equal(int64(28), batch.TotalCommission)
	s.Equal(int64(252), batch.TotalShopEarning)
	s.Equal(batch.TotalAmount, batch.TotalCommission+batch.TotalShopEarning)
	s.False(batch.StartDate.After(batch.EndDate))

	s.Require().Len(detail.Shops, 2)
	s.Equal(s.shopOne, detail.Shops[0].ShopID)
	s.Len(detail.Shops[0].Records, 2)
	s.Equal(int64(207), detail.Shops[0].NetPayable)
	s.Equal(int64(45), detail.Shops[1].NetPayable)

	var unclaimed int64
	s.Require().NoError(s.db.Model(&models.RevenueRecord{}).Where("batch_id IS NULL").Count(&unclaimed).Error)
	s.Zero(unclaimed)

	// Everything is claimed by the pending batch
	_, err = s.svc.Settlement.CreateBatch(s.ctx)
	s.ErrorIs(err, apperr.ErrNoEligibleRecords)

	s.Len(s.events.ofType(events.BatchCreated), 1)
}

func (s *ServicesTestSuite) TestConcurrentCreateBatchClaimsDisjointRecords() {
	s.deliveredOrders()

	var wg sync.WaitGroup
	results := make([]*BatchDetail, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.svc.Settlement.CreateBatch(context.Background())
		}(i)
	}
	wg.Wait()

	claimed := make(map[uuid.UUID]uuid.UUID)
	created := 0
	for i, err := range errs {
		if err != nil {
			s.ErrorIs(err, apperr.ErrNoEligibleRecords)
			continue
		}
		created++
		for _, shop := range results[i].Shops {
			for _, record := range shop.Records {
				_, dup := claimed[record.ID]
				s.False(dup, "record %s claimed twice", record.ID)
				claimed[record.ID] = results[i].Batch.ID
			}
		}
	}

	s.GreaterOrEqual(created, 1)
	s.Len(claimed, 3)
}

func (s *ServicesTestSuite) TestProcessBatchCompletes() {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)

	detail, err := s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "  wire-7781 ")
	s.Require().NoError(err)

	batch := detail.Batch
	s.Equal(models.BatchStatusCompleted, batch.Status)
	s.Require().NotNil(batch.TransactionID)
	s.Equal("wire-7781", *batch.TransactionID)
	s.NotNil(batch.ProcessedAt)

	for _, shop := range detail.Shops {
		for _, record := range shop.Records {
			s.True(record.Paid)
			s.NotNil(record.PaidAt)
		}
	}

	// Completed batches are served from cache
	s.True(s.redis.Exists(cache.BatchKey(batch.ID.String())))
	s.Len(s.events.ofType(events.BatchCompleted), 1)
}

func (s *ServicesTestSuite) TestProcessCompletedBatchIsRejected() {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "wire-1")
	s.Require().NoError(err)

	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "wire-2")
	s.ErrorIs(err, apperr.ErrInvalidBatchState)

	var unpaid int64
	s.Require().NoError(s.db.Model(&models.RevenueRecord{}).Where("paid = ?", false).Count(&unpaid).Error)
	s.Zero(unpaid)

	var batch models.PaymentBatch
	s.Require().NoError(s.db.First(&batch, "id = ?", created.Batch.ID).Error)
	s.Equal("wire-1", *batch.TransactionID)
}

func (s *ServicesTestSuite) TestProcessBatchValidation() {
	_, err := s.svc.Settlement.ProcessBatch(s.ctx, uuid.New(), "wire-1")
	s.ErrorIs(err, apperr.ErrBatchNotFound)

	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)

	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "   ")
	s.ErrorIs(err, apperr.ErrMissingTransactionID)

	detail, err := s.svc.Settlement.GetBatch(s.ctx, created.Batch.ID)
	s.Require().NoError(err)
	s.Equal(models.BatchStatusPending, detail.Batch.Status)
}

func (s *ServicesTestSuite) TestProcessBatchWriteFailureMarksBatchFailed() {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)

	var failRecords atomic.Bool
	s.Require().NoError(s.db.Callback().Update().Before("gorm:update").Register("test:fail_revenue_records", func(tx *gorm.DB) {
		if failRecords.Load() && tx.Statement.Table == "revenue_records" {
			tx.AddError(errors.New("injected write failure"))
		}
	}))
	failRecords.Store(true)

	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "wire-9")
	s.ErrorIs(err, apperr.ErrStorageUnavailable)
	failRecords.Store(false)

	detail, err := s.svc.Settlement.GetBatch(s.ctx, created.Batch.ID)
	s.Require().NoError(err)
	s.Equal(models.BatchStatusFailed, detail.Batch.Status)
	s.Nil(detail.Batch.TransactionID)
	s.Contains(detail.Batch.FailureReason, "injected write failure")
	s.False(s.redis.Exists(cache.BatchKey(created.Batch.ID.String())))

	var paid int64
	s.Require().NoError(s.db.Model(&models.RevenueRecord{}).Where("paid = ?", true).Count(&paid).Error)
	s.Zero(paid)

	// Records of a failed batch are claimed by the next one
	next, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, next.Batch.TotalRecords)
	s.NotEqual(created.Batch.ID, next.Batch.ID)

	s.Len(s.events.ofType(events.BatchFailed), 1)
}

func (s *ServicesTestSuite) TestFailBatch() {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)

	batch, err := s.svc.Settlement.FailBatch(s.ctx, created.Batch.ID, "bank transfer timed out")
	s.Require().NoError(err)
	s.Equal(models.BatchStatusFailed, batch.Status)
	s.Equal("bank transfer timed out", batch.FailureReason)
	s.NotNil(batch.FailedAt)

	_, err = s.svc.Settlement.FailBatch(s.ctx, created.Batch.ID, "again")
	s.ErrorIs(err, apperr.ErrInvalidBatchState)

	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "wire-3")
	s.ErrorIs(err, apperr.ErrInvalidBatchState)

	next, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, next.Batch.TotalRecords)
}

func (s *ServicesTestSuite) TestFailedBatchKeepsRecordsClaimedByNextBatch() {
	s.deliveredOrders()
	failed, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	_, err = s.svc.Settlement.FailBatch(s.ctx, failed.Batch.ID, "timeout")
	s.Require().NoError(err)

	next, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, next.Batch.TotalRecords)

	_, err = s.svc.Settlement.ProcessBatch(s.ctx, next.Batch.ID, "wire-7")
	s.Require().NoError(err)

	detail, err := s.svc.Settlement.GetBatch(s.ctx, failed.Batch.ID)
	s.Require().NoError(err)
	s.Equal(models.BatchStatusFailed, detail.Batch.Status)
	s.Equal(int64(280), detail.Batch.TotalAmount)
	s.Require().Len(detail.Shops, 2)

	var sum int64
	var count int
	for _, shop := range detail.Shops {
		for _, record := range shop.Records {
			sum += record.TotalAmount
			count++
			s.Require().NotNil(record.BatchID)
			s.Equal(next.Batch.ID, *record.BatchID)
		}
	}
	s.Equal(detail.Batch.TotalAmount, sum)
	s.Equal(detail.Batch.TotalRecords, count)
	s.Equal(int64(207), detail.Shops[0].NetPayable)

	params := utils.PaginationParams{Page: 1, Limit: 20, Sort: "created_at", Order: "desc"}
	_, total, err := s.svc.Settlement.ListRevenueRecords(s.ctx, RevenueRecordFilter{PaginationParams: params, BatchID: &failed.Batch.ID})
	s.Require().NoError(err)
	s.Equal(int64(3), total)
}

func (s *ServicesTestSuite) TestPhaseTwoErrorOnCompletedBatchIsRecovered() {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	batchID := created.Batch.ID
	cause := errors.New("driver: bad connection")

	// The commit landed even though the driver reported an error
	s.Require().NoError(s.db.Model(&models.PaymentBatch{}).Where("id = ?", batchID).Update("status", models.BatchStatusCompleted).Error)
	s.True(s.svc.Settlement.recoverPhaseTwo(s.ctx, batchID, cause))

	var batch models.PaymentBatch
	s.Require().NoError(s.db.First(&batch, "id = ?", batchID).Error)
	s.Equal(models.BatchStatusCompleted, batch.Status)
	s.Nil(batch.FailedAt)
	s.Empty(s.events.ofType(events.BatchFailed))

	// A batch still processing is marked failed instead
	s.Require().NoError(s.db.Model(&models.PaymentBatch{}).Where("id = ?", batchID).Update("status", models.BatchStatusProcessing).Error)
	s.False(s.svc.Settlement.recoverPhaseTwo(s.ctx, batchID, cause))

	s.Require().NoError(s.db.First(&batch, "id = ?", batchID).Error)
	s.Equal(models.BatchStatusFailed, batch.Status)
	s.Equal(cause.Error(), batch.FailureReason)
	s.Len(s.events.ofType(events.BatchFailed), 1)
}

func (s *ServicesTestSuite) TestFailCompletedBatchIsRejected() {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "wire-1")
	s.Require().NoError(err)

	_, err = s.svc.Settlement.FailBatch(s.ctx, created.Batch.ID, "too late")
	s.ErrorIs(err, apperr.ErrInvalidBatchState)
}

func (s *ServicesTestSuite) TestShopSummary() {
	s.deliveredOrders()

	summary, err := s.svc.Settlement.ShopSummary(s.ctx, s.shopOne)
	s.Require().NoError(err)
	s.Equal(int64(2), summary.TotalRecords)
	s.Equal(int64(230), summary.TotalSales)
	s.Equal(int64(23), summary.TotalCommission)
	s.Equal(int64(207), summary.TotalEarned)
	s.Equal(int64(207), summary.PendingAmount)
	s.Zero(summary.InBatchAmount)
	s.Zero(summary.PaidAmount)

	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)

	summary, err = s.svc.Settlement.ShopSummary(s.ctx, s.shopOne)
	s.Require().NoError(err)
	s.Equal(int64(207), summary.InBatchAmount)
	s.Zero(summary.PendingAmount)

	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "wire-5")
	s.Require().NoError(err)

	summary, err = s.svc.Settlement.ShopSummary(s.ctx, s.shopOne)
	s.Require().NoError(err)
	s.Equal(int64(207), summary.PaidAmount)
	s.Zero(summary.InBatchAmount)
	s.Zero(summary.PendingAmount)

	empty, err := s.svc.Settlement.ShopSummary(s.ctx, uuid.New())
	s.Require().NoError(err)
	s.Zero(empty.TotalRecords)
	s.Zero(empty.TotalEarned)
}

func (s *ServicesTestSuite) TestListBatchesAndRecords() {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)

	params := utils.PaginationParams{Page: 1, Limit: 20, Sort: "created_at", Order: "desc"}

	batches, total, err := s.svc.Settlement.ListBatches(s.ctx, BatchFilter{PaginationParams: params, Status: string(models.BatchStatusPending)})
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Equal(created.Batch.ID, batches[0].ID)

	_, total, err = s.svc.Settlement.ListBatches(s.ctx, BatchFilter{PaginationParams: params, Status: string(models.BatchStatusCompleted)})
	s.Require().NoError(err)
	s.Zero(total)

	records, total, err := s.svc.Settlement.ListRevenueRecords(s.ctx, RevenueRecordFilter{PaginationParams: params, ShopID: &s.shopTwo})
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Equal(int64(50), records[0].TotalAmount)

	unpaid := false
	_, total, err = s.svc.Settlement.ListRevenueRecords(s.ctx, RevenueRecordFilter{PaginationParams: params, BatchID: &created.Batch.ID, Paid: &unpaid})
	s.Require().NoError(err)
	s.Equal(int64(3), total)
}
