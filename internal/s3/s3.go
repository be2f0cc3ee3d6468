package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client archives captured frames in an object store.
type Client struct {
	client *minio.Client
	bucket string
}

func NewMinioClient(endpoint, accessKey, secretKey, bucket string, secure bool) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{client: client, bucket: bucket}, nil
}

func (c *Client) EnsureBucketExists(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// ArchiveFrame uploads the local frame under <session>/<file name> and
// returns its s3:// location.
func (c *Client) ArchiveFrame(ctx context.Context, sessionID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat frame: %w", err)
	}

	key := ObjectKey(sessionID, localPath)
	_, err = c.client.PutObject(
		ctx,
		c.bucket,
		key,
		f,
		info.Size(),
		minio.PutObjectOptions{
			ContentType: "image/jpeg",
		},
	)
	if err != nil {
		return "", fmt.Errorf("upload error: %w", err)
	}

	return Location(c.bucket, key), nil
}

func ObjectKey(sessionID, localPath string) string {
	return path.Join(sessionID, filepath.Base(localPath))
}

func Location(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}
