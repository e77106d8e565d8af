package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// minPartSize is the smallest multipart chunk S3 accepts.
const minPartSize int64 = 5 << 20

// Bucket reads and writes archive objects in the configured bucket. It
// satisfies domain.BlobWriter and domain.BlobReader.
type Bucket struct {
	api  *s3.Client
	name string
}

// NewBucket binds a Bucket to the client's bucket.
func NewBucket(c *Client) *Bucket {
	return &Bucket{api: c.S3(), name: c.Bucket()}
}

func (b *Bucket) input(path string, body io.Reader, contentType string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(path),
		Body:        body,
		ContentType: aws.String(contentType),
	}
}

// Put stores data with a single request.
func (b *Bucket) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if _, err := b.api.PutObject(ctx, b.input(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart streams data as a multipart upload. partSize is raised to
// the S3 minimum.
func (b *Bucket) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(b.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := uploader.Upload(ctx, b.input(path, data, ndjson)); err != nil {
		return fmt.Errorf("s3blob: multipart %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is already stored.
func (b *Bucket) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(path),
	})
	switch {
	case err == nil:
		return true, nil
	case missing(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", path, err)
	}
}

// missing matches typed SDK errors and bare 404s from S3-compatible stores.
func missing(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &nsk) || errors.As(err, &nf) ||
		(errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound)
}
