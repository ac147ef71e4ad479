// internal/models/revenue.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type RevenueRecord struct {
	BaseModel
	OrderID           uuid.UUID  `json:"order_id" gorm:"type:uuid;not null;uniqueIndex:idx_revenue_records_order_shop"`
	ShopID            uuid.UUID  `json:"shop_id" gorm:"type:uuid;not null;uniqueIndex:idx_revenue_records_order_shop;index"`
	TotalAmount       int64      `json:"total_amount" gorm:"not null"`
	CommissionAmount  int64      `json:"commission_amount" gorm:"not null"`
	ShopEarning       int64      `json:"shop_earning" gorm:"not null"`
	CommissionRateBps int64      `json:"commission_rate_bps" gorm:"not null"`
	TransactionDate   time.Time  `json:"transaction_date" gorm:"not null;index"`
	Paid              bool       `json:"paid" gorm:"not null;index"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	BatchID           *uuid.UUID `json:"batch_id,omitempty" gorm:"type:uuid;index"`
}

type PaymentBatch struct {
	BaseModel
	BatchNumber      string      `json:"batch_number" gorm:"size:32;not null;uniqueIndex"`
	Status           BatchStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	StartDate        time.Time   `json:"start_date" gorm:"not null"`
	EndDate          time.Time   `json:"end_date" gorm:"not null"`
	TotalAmount      int64       `json:"total_amount" gorm:"not null"`
	TotalCommission  int64       `json:"total_commission" gorm:"not null"`
	TotalShopEarning int64       `json:"total_shop_earning" gorm:"not null"`
	TotalShops       int         `json:"total_shops" gorm:"not null"`
	TotalRecords     int         `json:"total_records" gorm:"not null"`
	TransactionID    *string     `json:"transaction_id,omitempty" gorm:"size:255"`
	ProcessedAt      *time.Time  `json:"processed_at,omitempty"`
	FailedAt         *time.Time  `json:"failed_at,omitempty"`
	FailureReason    string      `json:"failure_reason,omitempty" gorm:"type:text"`
}

// PaymentBatchRecord is a batch's membership row, written when the batch claims
// a record and never rewritten. RevenueRecord.BatchID only tracks the current
// holder, which moves on when a failed batch's records are claimed again.
type PaymentBatchRecord struct {
	BatchID         uuid.UUID `json:"batch_id" gorm:"type:uuid;primaryKey"`
	RevenueRecordID uuid.UUID `json:"revenue_record_id" gorm:"type:uuid;primaryKey;index"`
	CreatedAt       time.Time `json:"created_at"`
}

// batchTransitions lists the direct successors of each non-terminal batch status.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPending:    {BatchStatusProcessing, BatchStatusFailed},
	BatchStatusProcessing: {BatchStatusCompleted, BatchStatusFailed},
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	for _, candidate := range batchTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}
