package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Writer implements domain.BlobWriter. Archive files are small enough for
// single-shot uploads.
type Writer struct {
	client *s3.Client
	bucket string
}

func NewWriter(c *Client) *Writer {
	return &Writer{client: c.S3(), bucket: c.Bucket()}
}

func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
