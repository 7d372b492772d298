// Package archive implements the optional S3-compatible export of completed
// daily CSV files (SPEC_FULL.md §3, SUPPLEMENTED FEATURES). It adapts the
// teacher's internal/flatfiles S3 client: the same ListObjectsV2/GetObject
// client shape, extended with PutObject for upload, since the flat-files
// endpoint there is read-only but this system is the producer of the data
// it archives.
package archive

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
)

// ObjectInfo describes one archived object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client wraps an S3-compatible bucket used as cold storage for completed
// CSV files.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New creates a Client. endpoint may be empty to use AWS's default S3
// endpoint; accessKey/secretKey are static credentials, matching how the
// broker's own cookie/token pair is obtained out of band.
func New(bucket, accessKey, secretKey, endpoint string) *Client {
	opts := s3.Options{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}

	return &Client{
		s3:     s3.New(opts),
		bucket: bucket,
	}
}

// UploadFile reads localPath and uploads it to key. Intended to be called
// from a csvsink.Sink's OnRotate hook, once a day's file is closed.
func (c *Client) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return nil
}

// ListObjects lists archived objects for dataset, optionally narrowed to
// year and/or year+month.
func (c *Client) ListObjects(ctx context.Context, dataset csvsink.Dataset, year, month string) ([]ObjectInfo, error) {
	prefix := BuildPrefix(dataset, year, month)

	result, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: list objects with prefix %s: %w", prefix, err)
	}

	var out []ObjectInfo
	for _, obj := range result.Contents {
		out = append(out, ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return out, nil
}

// DownloadObject fetches key from the archive bucket and writes it to
// destPath.
func (c *Client) DownloadObject(ctx context.Context, key, destPath string) error {
	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("archive: download %s: %w", key, err)
	}
	defer result.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", destPath, err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := result.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("archive: write %s: %w", destPath, writeErr)
			}
		}
		if readErr != nil {
			break
		}
	}
	return nil
}

// BuildPrefix constructs the S3 key prefix for dataset, optionally narrowed
// to year and year+month, mirroring the teacher's flatfiles BuildPrefix.
func BuildPrefix(dataset csvsink.Dataset, year, month string) string {
	prefix := string(dataset) + "/"
	if year != "" {
		prefix += year + "/"
	}
	if year != "" && month != "" {
		prefix += month + "/"
	}
	return prefix
}

// BuildKey constructs the full archive object key for one rotated file,
// following <dataset>/<YYYY>/<MM>/<YYYY-MM-DD>_<TICKER>.csv per
// SPEC_FULL.md's archive key convention.
func BuildKey(dataset csvsink.Dataset, ticker, date string) (string, error) {
	if len(date) != 10 || date[4] != '-' || date[7] != '-' {
		return "", fmt.Errorf("archive: invalid date format %q, expected YYYY-MM-DD", date)
	}
	year, month := date[0:4], date[5:7]
	return fmt.Sprintf("%s/%s/%s/%s_%s.csv", dataset, year, month, date, ticker), nil
}
