package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// Reader fetches objects from the client's bucket.
type Reader struct {
	client *Client
}

func NewReader(c *Client) *Reader {
	return &Reader{client: c}
}

// Get returns the object body; callers close it. A missing object yields
// domain.ErrNotFound.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := r.client.S3().GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.client.Bucket()),
		Key:    aws.String(r.client.objectKey(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// List returns every object under prefix, following pagination. Paths are
// relative to the client's key prefix.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	base := r.client.objectKey("")
	paginator := s3.NewListObjectsV2Paginator(r.client.S3(), &s3.ListObjectsV2Input{
		Bucket: aws.String(r.client.Bucket()),
		Prefix: aws.String(r.client.objectKey(prefix)),
	})

	var infos []domain.BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := domain.BlobInfo{
				Path: strings.TrimPrefix(aws.ToString(obj.Key), base),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// Exists issues HeadObject; only a not-found answer reports false.
func (r *Reader) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.client.S3().HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.client.Bucket()),
		Key:    aws.String(r.client.objectKey(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3blob: exists %s: %w", path, err)
	}
	return true, nil
}

// isNotFound matches NoSuchKey, NotFound (HeadObject) and a bare 404 from
// compatible providers.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var httpErr interface{ HTTPStatusCode() int }
	return errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.BlobReader = (*Reader)(nil)
