// internal/handlers/order.go
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/settlement-backend/internal/services"
	"github.com/javajoker/settlement-backend/internal/utils"
)

type OrderHandler struct {
	orderService   *services.OrderService
	revenueService *services.RevenueService
}

func NewOrderHandler(orderService *services.OrderService, revenueService *services.RevenueService) *OrderHandler {
	return &OrderHandler{
		orderService:   orderService,
		revenueService: revenueService,
	}
}

// GET /v1/orders
func (h *OrderHandler) ListOrders(c *gin.Context) {
	filter := services.OrderFilter{
		PaginationParams: utils.GetPaginationParams(c),
		OrderStatus:      c.Query("order_status"),
		StatusID:         c.Query("status_id"),
	}

	var err error
	if filter.NeedPayBack, err = utils.QueryBool(c, "need_pay_back"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.CustomerID, err = utils.QueryUUID(c, "customer_id"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.ShopID, err = utils.QueryUUID(c, "shop_id"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.CreatedFrom, err = utils.QueryTime(c, "created_from"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}
	if filter.CreatedTo, err = utils.QueryTime(c, "created_to"); err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	orders, total, err := h.orderService.ListOrders(c.Request.Context(), filter)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.PaginatedResponse(c, utils.CreatePaginationResult(orders, total, filter.PaginationParams))
}

// GET /v1/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid order ID", nil)
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, order)
}

// POST /v1/orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req services.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	// Validate request
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.CreatedResponse(c, order)
}

// PUT /v1/order/status
func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	var req services.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	order, err := h.orderService.UpdateStatus(c.Request.Context(), req.OrderID, req.NewStatus)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, order)
}

// PUT /v1/order/cancel
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	var req services.OrderActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	order, err := h.orderService.CancelOrder(c.Request.Context(), req.OrderID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, order)
}

// PUT /v1/order/refund
func (h *OrderHandler) MarkRefunded(c *gin.Context) {
	var req services.OrderActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	order, err := h.orderService.MarkRefunded(c.Request.Context(), req.OrderID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, order)
}

// POST /v1/orders/:id/revenue
func (h *OrderHandler) GenerateRevenue(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid order ID", nil)
		return
	}

	records, err := h.revenueService.GenerateForOrder(c.Request.Context(), orderID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.SuccessResponse(c, records)
}
