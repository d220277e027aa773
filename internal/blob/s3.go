package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dyluth/drey/pkg/ledger"
)

// ProviderS3 names the s3 driver in storage pointers.
const ProviderS3 = "s3"

// S3 stores artifact bytes in one bucket, keyed under the project's scope
// prefix. R2 and other S3-compatible stores work through a custom endpoint.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3 creates the s3 blob driver from ambient AWS configuration. A
// non-empty endpoint targets an S3-compatible store such as Cloudflare R2.
func NewS3(ctx context.Context, bucket, endpoint string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 blob store requires a bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// NewS3FromClient wraps an existing S3 client. Tests use this.
func NewS3FromClient(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, presign: s3.NewPresignClient(client), bucket: bucket}
}

func (s *S3) objectKey(scope ledger.Scope, key string) string {
	return fmt.Sprintf("%s/%s/%s", scope.TenantID, scope.ProjectID, key)
}

// Put uploads data and returns the bucketed pointer.
func (s *S3) Put(ctx context.Context, scope ledger.Scope, key string, data []byte, mediaType string) (ledger.StoragePointer, error) {
	objectKey := s.objectKey(scope, key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mediaType),
	})
	if err != nil {
		return ledger.StoragePointer{}, fmt.Errorf("failed to upload blob to s3: %w", err)
	}
	return ledger.StoragePointer{Provider: ProviderS3, Bucket: s.bucket, Key: objectKey}, nil
}

// Get downloads the bytes behind an s3 pointer.
func (s *S3) Get(ctx context.Context, _ ledger.Scope, ptr ledger.StoragePointer) ([]byte, error) {
	if ptr.Provider != ProviderS3 {
		return nil, ledger.E(ledger.KindInvalidArgument, "s3 blob store cannot read provider %q", ptr.Provider)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ptr.Bucket),
		Key:    aws.String(ptr.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download blob from s3: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// SignedURL presigns a GET for the pointer.
func (s *S3) SignedURL(ctx context.Context, _ ledger.Scope, ptr ledger.StoragePointer, expiry time.Duration) (string, error) {
	if ptr.Provider != ProviderS3 {
		return "", ledger.E(ledger.KindInvalidArgument, "s3 blob store cannot sign provider %q", ptr.Provider)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ptr.Bucket),
		Key:    aws.String(ptr.Key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign blob URL: %w", err)
	}
	return req.URL, nil
}
