// Project Structure Overview
/*
settlement-backend/
├── cmd/
│   ├── server/        HTTP API (gin)
│   │   └── main.go
│   └── cron/          scheduled payout batch creation
│       └── main.go
├── internal/
│   ├── apperr/        error kinds and HTTP mapping
│   ├── cache/         redis-backed batch cache
│   ├── config/
│   │   ├── config.go
│   │   └── database.go
│   ├── database/
│   │   ├── connection.go
│   │   └── retry.go   transient storage retry
│   ├── events/        kafka domain events
│   ├── handlers/
│   │   ├── order.go
│   │   ├── payment.go
│   │   └── settlement.go
│   ├── metrics/       prometheus collectors
│   ├── middleware/
│   │   ├── auth.go
│   │   ├── cors.go
│   │   ├── logging.go
│   │   ├── metrics.go
│   │   └── rate_limit.go
│   ├── models/
│   │   ├── common.go
│   │   ├── order.go
│   │   ├── revenue.go
│   │   └── audit.go
│   ├── router/
│   │   └── router.go
│   ├── services/
│   │   ├── services.go
│   │   ├── commission.go
│   │   ├── order_service.go
│   │   ├── revenue_service.go
│   │   ├── settlement_service.go
│   │   ├── payment_service.go
│   │   └── statement_service.go
│   ├── tracing/
│   └── utils/
├── go.mod
└── go.sum
*/

// Package settlement is the marketplace order lifecycle and seller payout backend.
package settlement
