// internal/router/router.go
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/javajoker/settlement-backend/internal/config"
	"github.com/javajoker/settlement-backend/internal/handlers"
	"github.com/javajoker/settlement-backend/internal/middleware"
	"github.com/javajoker/settlement-backend/internal/services"
	"github.com/javajoker/settlement-backend/internal/utils"
)

func Initialize(db *gorm.DB, cfg *config.Config, svc *services.Services) *gin.Engine {
	// Initialize handlers
	orderHandler := handlers.NewOrderHandler(svc.Orders, svc.Revenue)
	paymentHandler := handlers.NewPaymentHandler(svc.Payments)
	settlementHandler := handlers.NewSettlementHandler(svc.Settlement, svc.Statements)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	limiter := middleware.NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS())
	r.Use(middleware.MetricsMiddleware())
	r.Use(limiter.Middleware())
	r.Use(middleware.AuditLogMiddleware(db))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"version": "1.0.0",
		})
	})

	r.GET("/metrics", middleware.PrometheusHandler())

	// API v1 routes, admin only
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthRequired(), middleware.AdminRequired())
	{
		// Order routes
		orders := v1.Group("/orders")
		{
			orders.GET("", orderHandler.ListOrders)
			orders.POST("", orderHandler.CreateOrder)
			orders.GET("/:id", orderHandler.GetOrder)
			orders.POST("/:id/revenue", orderHandler.GenerateRevenue)
			orders.POST("/:id/payment", paymentHandler.RecordPayment)
			orders.POST("/:id/payment/sync", paymentHandler.SyncPayment)
		}

		// Order lifecycle actions
		order := v1.Group("/order")
		{
			order.PUT("/status", orderHandler.UpdateStatus)
			order.PUT("/cancel", orderHandler.CancelOrder)
			order.PUT("/refund", orderHandler.MarkRefunded)
		}

		// Revenue and payout batch routes
		revenue := v1.Group("/revenue")
		{
			revenue.GET("/records", settlementHandler.ListRevenueRecords)
			revenue.GET("/shops/:shop_id/summary", settlementHandler.ShopSummary)
			revenue.GET("/batches", settlementHandler.ListBatches)

			batch := revenue.Group("/batch")
			{
				batch.POST("/create", settlementHandler.CreateBatch)
				batch.GET("/:id", settlementHandler.GetBatch)
				batch.POST("/:id/process", settlementHandler.ProcessBatch)
				batch.POST("/:id/fail", settlementHandler.FailBatch)
				batch.POST("/:id/statement", settlementHandler.ExportStatement)
			}
		}
	}

	return r
}
