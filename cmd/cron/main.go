// cmd/cron/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/settlement-backend/internal/apperr"
	"github.com/javajoker/settlement-backend/internal/config"
	"github.com/javajoker/settlement-backend/internal/database"
	"github.com/javajoker/settlement-backend/internal/events"
	"github.com/javajoker/settlement-backend/internal/services"
	"github.com/javajoker/settlement-backend/internal/tracing"
)

const batchTimeout = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	shutdownTracing, err := tracing.InitTracing(cfg.Tracing)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	deps := services.Dependencies{DB: db, Config: cfg}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to create event publisher")
		}
		defer publisher.Close()
		deps.Events = publisher
	}

	svc, err := services.New(deps)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize services")
	}

	c := cron.New(cron.WithSeconds())
	_, err = c.AddFunc(cfg.Settlement.BatchCron, func() {
		runBatch(svc.Settlement)
	})
	if err != nil {
		logrus.WithError(err).WithField("spec", cfg.Settlement.BatchCron).Fatal("Invalid batch schedule")
	}

	c.Start()
	logrus.WithField("spec", cfg.Settlement.BatchCron).Info("Settlement scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Stopping settlement scheduler...")
	<-c.Stop().Done()
}

func runBatch(settlement *services.SettlementService) {
	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	detail, err := settlement.CreateBatch(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrNoEligibleRecords) {
			logrus.Info("No eligible revenue records, skipping payout batch")
			return
		}
		logrus.WithError(err).Error("Scheduled payout batch failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"batch_id":      detail.Batch.ID,
		"batch_number":  detail.Batch.BatchNumber,
		"total_records": detail.Batch.TotalRecords,
		"total_amount":  detail.Batch.TotalAmount,
	}).Info("Scheduled payout batch created")
}
