// internal/handlers/settlement.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/settlement-backend/internal/services"
	"github.com/javajoker/settlement-backend/internal/utils"
)

type SettlementHandler struct {
	settlementService *services.SettlementService
	statementService  *services.StatementService
}

func NewSettlementHandler(settlementService *services.SettlementService, statementService *services.StatementService) *SettlementHandler {
	return &SettlementHandler{
		settlementService: settlementService,
		statementService:  statementService,
	}
}

// POST /v1/revenue/batch/create
func (h *SettlementHandler) CreateBatch(c *gin.Context) {
	detail, err := h.settlementService.CreateBatch(c.Request.Context())
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.CreatedResponse(c, detail)
}

// POST /v1/revenue/batch/:id/process
func (h *SettlementHandler) ProcessBatch(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid batch ID", nil)
		return
	}

	var req services.ProcessBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// The transaction reference is checked by the service after the batch state
	detail, err := h.settlementService.ProcessBatch(c.Request.Context(), batchID, req.TransactionID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, detail)
}

// POST /v1/revenue/batch/:id/fail
func (h *SettlementHandler) FailBatch(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid batch ID", nil)
		return
	}

	var req services.FailBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	batch, err := h.settlementService.FailBatch(c.Request.Context(), batchID, req.Reason)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, batch)
}

// GET /v1/revenue/batch/:id
func (h *SettlementHandler) GetBatch(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid batch ID", nil)
		return
	}

	detail, err := h.settlementService.GetBatch(c.Request.Context(), batchID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, detail)
}

// GET /v1/revenue/batches
func (h *SettlementHandler) ListBatches(c *gin.Context) {
	filter := services.BatchFilter{
		PaginationParams: utils.GetPaginationParams(c),
		Status:           c.Query("status"),
	}

	var err error
	if filter.CreatedFrom, err = utils.QueryTime(c, "created_from"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.CreatedTo, err = utils.QueryTime(c, "created_to"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	batches, total, err := h.settlementService.ListBatches(c.Request.Context(), filter)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(batches, total, filter.PaginationParams))
}

// POST /v1/revenue/batch/:id/statement
func (h *SettlementHandler) ExportStatement(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid batch ID", nil)
		return
	}

	result, err := h.statementService.Export(c.Request.Context(), batchID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, result)
}

// GET /v1/revenue/records
func (h *SettlementHandler) ListRevenueRecords(c *gin.Context) {
	filter := services.RevenueRecordFilter{
		PaginationParams: utils.GetPaginationParams(c),
	}

	var err error
	if filter.ShopID, err = utils.QueryUUID(c, "shop_id"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.OrderID, err = utils.QueryUUID(c, "order_id"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.BatchID, err = utils.QueryUUID(c, "batch_id"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.Paid, err = utils.QueryBool(c, "paid"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	records, total, err := h.settlementService.ListRevenueRecords(c.Request.Context(), filter)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(records, total, filter.PaginationParams))
}

// GET /v1/revenue/shops/:shop_id/summary
func (h *SettlementHandler) ShopSummary(c *gin.Context) {
	shopID, err := uuid.Parse(c.Param("shop_id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid shop ID", nil)
		return
	}

	summary, err := h.settlementService.ShopSummary(c.Request.Context(), shopID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, summary)
}
