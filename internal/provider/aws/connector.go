// Package aws implements the AWS billing adapter: a connector that reads
// Cost and Usage Report exports from S3 and a mapper from CUR line items
// to FOCUS 1.2 records.
package aws

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"focus-pipeline/internal/provider"
	"focus-pipeline/internal/storage"
	perrors "focus-pipeline/pkg/errors"
)

const sourceTypeObjectStorage = "object_storage"

type authConfig struct {
	Method          string `json:"method"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	Profile         string `json:"profile"`
}

type reportConfig struct {
	Bucket     string `json:"bucket"`
	Prefix     string `json:"prefix"`
	ReportName string `json:"report_name"`
}

type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Connector reads CUR export objects for the requested window.
type Connector struct {
	client s3API
	report reportConfig
}

// NewAdapter builds the AWS connector and mapper from a provider row.
func NewAdapter(p *storage.Provider) (*provider.Adapter, error) {
	var auth authConfig
	if len(p.AuthConfig) > 0 {
		if err := json.Unmarshal(p.AuthConfig, &auth); err != nil {
			return nil, perrors.NewAuthError("invalid aws auth config", err)
		}
	}
	var report reportConfig
	if len(p.AdditionalConfig) > 0 {
		if err := json.Unmarshal(p.AdditionalConfig, &report); err != nil {
			return nil, fmt.Errorf("invalid aws report config: %w", err)
		}
	}
	if report.Bucket == "" {
		return nil, perrors.NewNotFoundError("aws provider has no CUR bucket configured")
	}

	cfg, err := loadAWSConfig(context.Background(), auth)
	if err != nil {
		return nil, perrors.NewAuthError("failed to load aws credentials", err)
	}

	return &provider.Adapter{
		Connector: &Connector{client: s3.NewFromConfig(cfg), report: report},
		Mapper:    NewMapper(p.ID.String()),
	}, nil
}

// NewConnector wraps an S3 client directly, used by tests.
func NewConnector(client s3API, report reportConfig) *Connector {
	return &Connector{client: client, report: report}
}

func loadAWSConfig(ctx context.Context, auth authConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if auth.Region != "" {
		opts = append(opts, awsconfig.WithRegion(auth.Region))
	}
	switch {
	case auth.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(auth.AccessKeyID, auth.SecretAccessKey, "")))
	case auth.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(auth.Profile))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// Extract lists the CUR objects under the billing-period prefix and parses
// each into one raw batch. CUR organizes exports per billing period as
// <prefix>/<report>/<YYYYMMDD>-<YYYYMMDD>/; a missing period prefix with a
// legitimately empty window yields zero batches.
func (c *Connector) Extract(ctx context.Context, window provider.Window, params map[string]any) ([]provider.RawBatch, error) {
	prefix := c.periodPrefix(window)

	var keys []string
	var continuation *string
	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.report.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, classifyS3Error("list CUR objects", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".csv.gz") || strings.HasSuffix(key, ".csv") {
				keys = append(keys, key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}

	var batches []provider.RawBatch
	for _, key := range keys {
		records, err := c.fetchObject(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			continue
		}
		batches = append(batches, provider.RawBatch{
			Records:     records,
			RecordCount: len(records),
			SourceName:  path.Base(key),
			SourceType:  sourceTypeObjectStorage,
			Params: map[string]any{
				"bucket": c.report.Bucket,
				"key":    key,
			},
		})
	}
	return batches, nil
}

func (c *Connector) periodPrefix(window provider.Window) string {
	period := fmt.Sprintf("%s-%s",
		window.Start.UTC().Format("20060102"),
		window.End.UTC().Format("20060102"))
	parts := []string{}
	if c.report.Prefix != "" {
		parts = append(parts, strings.Trim(c.report.Prefix, "/"))
	}
	if c.report.ReportName != "" {
		parts = append(parts, c.report.ReportName)
	}
	parts = append(parts, period)
	return strings.Join(parts, "/") + "/"
}

func (c *Connector) fetchObject(ctx context.Context, key string) ([]map[string]any, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.report.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error("get CUR object "+key, err)
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return nil, perrors.NewTransientError("corrupt gzip CUR object "+key, err)
		}
		defer gz.Close()
		body = gz
	}
	return parseCURCSV(body)
}

// parseCURCSV converts a CUR CSV stream into one map per line item, keyed
// by the header row (lineItem/UnblendedCost style columns).
func parseCURCSV(r io.Reader) ([]map[string]any, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.NewTransientError("failed to read CUR header", err)
	}

	var records []map[string]any
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, perrors.NewTransientError("failed to read CUR row", err)
		}
		record := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) && row[i] != "" {
				record[col] = row[i]
			}
		}
		if len(record) > 0 {
			records = append(records, record)
		}
	}
	return records, nil
}

func classifyS3Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return perrors.NewAuthError("aws credentials rejected: "+op, err)
		case "NoSuchBucket":
			return perrors.NewNotFoundError("CUR bucket missing: " + op)
		case "NoSuchKey":
			return perrors.NewNotFoundError("CUR object missing: " + op)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return perrors.NewTransientError("s3 throttled: "+op, err)
		}
	}
	return perrors.NewTransientError("s3 call failed: "+op, err)
}
