package services

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/javajoker/settlement-backend/internal/apperr"
)

type fakeS3 struct {
	s3iface.S3API
	key  string
	body []byte
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	f.key = aws.StringValue(input.Key)
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func (s *ServicesTestSuite) processedBatch() uuid.UUID {
	s.deliveredOrders()
	created, err := s.svc.Settlement.CreateBatch(s.ctx)
	s.Require().NoError(err)
	_, err = s.svc.Settlement.ProcessBatch(s.ctx, created.Batch.ID, "wire-42")
	s.Require().NoError(err)
	return created.Batch.ID
}

func (s *ServicesTestSuite) TestExportStatementLocal() {
	batchID := s.processedBatch()

	result, err := s.svc.Statements.Export(s.ctx, batchID)
	s.Require().NoError(err)
	s.True(strings.HasPrefix(result.Key, "statements/"))
	s.True(strings.HasSuffix(result.Key, result.BatchNumber+".csv"))

	data, err := os.ReadFile(result.Location)
	s.Require().NoError(err)
	s.Equal(result.Size, int64(len(data)))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	s.Require().NoError(err)

	var subtotals, records int
	var total []string
	for _, row := range rows {
		if len(row) < 8 {
			continue
		}
		switch row[2] {
		case "subtotal":
			subtotals++
		case "total":
			total = row
		case "record_id":
		default:
			records++
		}
	}
	s.Equal(2, subtotals)
	s.Equal(3, records)
	s.Require().NotNil(total)
	s.Equal([]string{"280", "28", "252"}, total[4:7])
	s.Contains(string(data), "wire-42")
}

func (s *ServicesTestSuite) TestExportStatementToS3() {
	batchID := s.processedBatch()

	uploader := &fakeS3{}
	s.svc.Statements.WithS3Client(uploader)
	s.svc.Statements.bucket = "statements-test"
	s.svc.Statements.region = "eu-west-1"

	result, err := s.svc.Statements.Export(s.ctx, batchID)
	s.Require().NoError(err)
	s.Equal(result.Key, uploader.key)
	s.Equal("https://statements-test.s3.eu-west-1.amazonaws.com/"+result.Key, result.Location)
	s.Contains(string(uploader.body), "subtotal")
}

func (s *ServicesTestSuite) TestExportStatementUnknownBatch() {
	_, err := s.svc.Statements.Export(s.ctx, uuid.New())
	s.ErrorIs(err, apperr.ErrBatchNotFound)
}
