// internal/services/statement_service.go
package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/settlement-backend/internal/config"
)

// StatementService renders payout statements for batches and stores them in
// S3, or on local disk when no AWS credentials are configured.
type StatementService struct {
	settlement *SettlementService
	s3Client   s3iface.S3API
	bucket     string
	region     string
	localDir   string
}

type StatementResult struct {
	BatchID     uuid.UUID `json:"batch_id"`
	BatchNumber string    `json:"batch_number"`
	Key         string    `json:"key"`
	Location    string    `json:"location"`
	Size        int64     `json:"size"`
}

func NewStatementService(cfg *config.Config, settlement *SettlementService) (*StatementService, error) {
	svc := &StatementService{
		settlement: settlement,
		bucket:     cfg.AWS.StatementBucket,
		region:     cfg.AWS.Region,
		localDir:   cfg.Settlement.StatementDir,
	}

	if cfg.AWS.AccessKeyID == "" {
		// Local development writes statements to disk
		return svc, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID,
			cfg.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	svc.s3Client = s3.New(sess)
	return svc, nil
}

// WithS3Client swaps the S3 client, e.g. for tests.
func (s *StatementService) WithS3Client(client s3iface.S3API) *StatementService {
	s.s3Client = client
	return s
}

func (s *StatementService) Export(ctx context.Context, batchID uuid.UUID) (result *StatementResult, err error) {
	ctx, span := startSpan(ctx, "StatementService.Export")
	defer func() { finishSpan(span, err) }()

	detail, err := s.settlement.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	data, err := RenderStatement(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to render statement: %w", err)
	}

	key := fmt.Sprintf("statements/%s/%s.csv", detail.Batch.CreatedAt.UTC().Format("2006/01"), detail.Batch.BatchNumber)

	var location string
	if s.s3Client != nil {
		location, err = s.uploadToS3(ctx, key, data)
	} else {
		location, err = s.writeLocal(key, data)
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"batch_id": batchID,
		"location": location,
		"size":     len(data),
	}).Info("Payout statement exported")

	return &StatementResult{
		BatchID:     batchID,
		BatchNumber: detail.Batch.BatchNumber,
		Key:         key,
		Location:    location,
		Size:        int64(len(data)),
	}, nil
}

func (s *StatementService) uploadToS3(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("text/csv"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

func (s *StatementService) writeLocal(key string, data []byte) (string, error) {
	path := filepath.Join(s.localDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create statement directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write statement: %w", err)
	}
	return path, nil
}

// RenderStatement writes one row per revenue record followed by a subtotal row per shop.
func RenderStatement(detail *BatchDetail) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	batch := detail.Batch
	transactionID := ""
	if batch.TransactionID != nil {
		transactionID = *batch.TransactionID
	}

	rows := [][]string{
		{"batch_number", batch.BatchNumber},
		{"status", string(batch.Status)},
		{"transaction_id", transactionID},
		{"start_date", batch.StartDate.UTC().Format(time.RFC3339)},
		{"end_date", batch.EndDate.UTC().Format(time.RFC3339)},
		{},
		{"shop_id", "order_id", "record_id", "transaction_date", "total_amount", "commission_amount", "shop_earning", "paid"},
	}

	for _, shop := range detail.Shops {
		for _, record := range shop.Records {
			rows = append(rows, []string{
				shop.ShopID.String(),
				record.OrderID.String(),
				record.ID.String(),
				record.TransactionDate.UTC().Format(time.RFC3339),
				strconv.FormatInt(record.TotalAmount, 10),
				strconv.FormatInt(record.CommissionAmount, 10),
				strconv.FormatInt(record.ShopEarning, 10),
				strconv.FormatBool(record.Paid),
			})
		}
		rows = append(rows, []string{
			shop.ShopID.String(), "", "subtotal", "",
			strconv.FormatInt(shop.TotalAmount, 10),
			strconv.FormatInt(shop.CommissionAmount, 10),
			strconv.FormatInt(shop.NetPayable, 10),
			"",
		})
	}

	rows = append(rows, []string{
		"", "", "total", "",
		strconv.FormatInt(batch.TotalAmount, 10),
		strconv.FormatInt(batch.TotalCommission, 10),
		strconv.FormatInt(batch.TotalShopEarning, 10),
		"",
	})

	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
