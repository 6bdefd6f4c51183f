package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/observability"
)

const (
	contentType    = "application/json"
	checksumHeader = "checksum-sha256"
)

var tracer = observability.Tracer("github.com/platinummonkey/dunning/pkg/archive")

// ErrNotArchived is returned by Get when no record exists for the invoice.
var ErrNotArchived = errors.New("invoice not archived")

// Record is the archived form of a settled invoice.
type Record struct {
	Invoice    *billing.Invoice          `json:"invoice"`
	Attempts   []*billing.PaymentAttempt `json:"attempts"`
	ArchivedAt time.Time                 `json:"archived_at"`
}

// ObjectAPI is the part of the S3 client the archive uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Options configures an S3 archive.
type Options struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Archive writes settled invoices to an S3 bucket as JSON, one object per invoice
// under <prefix>/<subscriber>/<invoice>.json.
type S3Archive struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3Archive builds an S3 client from opts. Static keys are used when both are set,
// otherwise the default AWS credential chain.
func NewS3Archive(ctx context.Context, opts Options) (*S3Archive, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewWithClient(client, opts.Bucket, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectAPI, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of an invoice.
func (a *S3Archive) Key(subscriberID, invoiceID string) string {
	return path.Join(a.prefix, subscriberID, invoiceID+".json")
}

// Put uploads the record, replacing any earlier copy.
func (a *S3Archive) Put(ctx context.Context, rec Record) error {
	if rec.Invoice == nil {
		return errors.New("archive record has no invoice")
	}
	key := a.Key(rec.Invoice.SubscriberID, rec.Invoice.ID)
	ctx, span := tracer.Start(ctx, "archive.Put", trace.WithAttributes(
		attribute.String("s3.bucket", a.bucket),
		attribute.String("s3.key", key),
		attribute.String("invoice.state", string(rec.Invoice.State)),
	))
	defer span.End()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode archive record: %w", err)
	}
	sum := sha256.Sum256(data)
	span.SetAttributes(attribute.Int("content.size", len(data)))

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			checksumHeader:  hex.EncodeToString(sum[:]),
			"invoice-state": string(rec.Invoice.State),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("failed to upload invoice %s: %w", rec.Invoice.ID, err)
	}
	return nil
}

// Get reads an archived record back and verifies its checksum.
func (a *S3Archive) Get(ctx context.Context, subscriberID, invoiceID string) (*Record, error) {
	key := a.Key(subscriberID, invoiceID)
	ctx, span := tracer.Start(ctx, "archive.Get", trace.WithAttributes(
		attribute.String("s3.bucket", a.bucket),
		attribute.String("s3.key", key),
	))
	defer span.End()

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%s: %w", invoiceID, ErrNotArchived)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return nil, fmt.Errorf("failed to get invoice %s: %w", invoiceID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read invoice %s: %w", invoiceID, err)
	}
	if want, ok := out.Metadata[checksumHeader]; ok {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			return nil, fmt.Errorf("archived invoice %s failed checksum verification", invoiceID)
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode invoice %s: %w", invoiceID, err)
	}
	return &rec, nil
}

// HealthCheck verifies the bucket is reachable.
func (a *S3Archive) HealthCheck(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}
