package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
)

// ErrObjectNotFound is returned when an object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// presignTimeout bounds URL generation; a hung signer must not stall requests.
const presignTimeout = 5 * time.Second

// Client wraps the S3 API for presigning and object management.
type Client struct {
	client         *s3.Client
	presigner      *s3.PresignClient
	bucket         string
	endpoint       string
	publicEndpoint string
}

// ObjectInfo represents object metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified *time.Time
}

// PresignedUpload is a presigned PUT grant.
type PresignedUpload struct {
	URL       string
	Method    string
	Headers   map[string]string
	ExpiresAt time.Time
}

// New creates an S3 client from configuration.
func New(cfg *config.S3Config) (*Client, error) {
	if cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, errors.New("incomplete s3 configuration")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{
		client:         client,
		presigner:      s3.NewPresignClient(client),
		bucket:         cfg.Bucket,
		endpoint:       cfg.Endpoint,
		publicEndpoint: cfg.PublicEndpoint,
	}, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// PresignDownload generates a presigned GET URL. The host is rewritten from
// the internal endpoint to the public one, and a Content-Disposition header
// is baked into the signature when filename is non-empty.
func (c *Client) PresignDownload(ctx context.Context, key string, expiry time.Duration, filename string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, presignTimeout)
	defer cancel()

	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(ContentDisposition(filename))
	}

	req, err := c.presigner.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}

	return c.rewritePublic(req.URL)
}

// PresignUpload generates a presigned PUT URL for direct client upload.
func (c *Client) PresignUpload(ctx context.Context, key string, expiry time.Duration, contentType string) (*PresignedUpload, error) {
	ctx, cancel := context.WithTimeout(ctx, presignTimeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := c.presigner.PresignPutObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}

	u, err := c.rewritePublic(req.URL)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	for k, v := range req.SignedHeader {
		if len(v) > 0 && !strings.EqualFold(k, "host") {
			headers[k] = v[0]
		}
	}

	return &PresignedUpload{
		URL:       u,
		Method:    req.Method,
		Headers:   headers,
		ExpiresAt: time.Now().Add(expiry).UTC(),
	}, nil
}

// CreateMultipartUpload starts a multipart upload and returns its id.
func (c *Client) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

// PresignUploadPart generates a presigned URL for one part of a multipart
// upload.
func (c *Client) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, expiry time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, presignTimeout)
	defer cancel()

	req, err := c.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign upload part: %w", err)
	}
	return c.rewritePublic(req.URL)
}

// CompleteMultipartUpload finishes a multipart upload. Parts maps part
// number to ETag.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts map[int32]string) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for num, etag := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(num),
			ETag:       aws.String(etag),
		})
	}
	_, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

// AbortMultipartUpload aborts an in-flight multipart upload.
func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// GetObject retrieves an object.
func (c *Client) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("get object: %w", err)
	}
	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// HeadObject returns object metadata, or ErrObjectNotFound.
func (c *Client) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("head object: %w", err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		ETag:         strings.Trim(aws.ToString(result.ETag), `"`),
		ContentType:  aws.ToString(result.ContentType),
		LastModified: result.LastModified,
	}, nil
}

// ObjectExists checks if an object exists.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.HeadObject(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteObject deletes a single object.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeleteObjectsWithPrefix deletes every object under prefix, paging through
// the listing in batches of 1000.
func (c *Client) DeleteObjectsWithPrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

// CopyFolder copies every object under srcPrefix to dstPrefix within the
// bucket. Cross-bucket moves are not supported.
func (c *Client) CopyFolder(ctx context.Context, srcPrefix, dstPrefix string) error {
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(srcPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			srcKey := aws.ToString(obj.Key)
			dstKey := dstPrefix + strings.TrimPrefix(srcKey, srcPrefix)
			_, err := c.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(c.bucket),
				CopySource: aws.String(url.PathEscape(c.bucket + "/" + srcKey)),
				Key:        aws.String(dstKey),
			})
			if err != nil {
				return fmt.Errorf("copy %s: %w", srcKey, err)
			}
		}
	}
	return nil
}

// rewritePublic swaps the internal endpoint host for the public one in a
// presigned URL. Signatures stay valid because SigV4 signs the Host header
// only when it is part of the canonical request for the internal host; the
// public endpoint must therefore be the same S3 service exposed on another
// name (reverse proxy), which is the supported deployment shape.
func (c *Client) rewritePublic(raw string) (string, error) {
	if c.publicEndpoint == "" || c.publicEndpoint == c.endpoint {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse presigned url: %w", err)
	}
	internal, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	public, err := url.Parse(c.publicEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse public endpoint: %w", err)
	}

	u.Scheme = public.Scheme
	u.Host = public.Host
	// Endpoints with a path segment (Cloudflare R2 style) need the prefix
	// swapped as well.
	if internal.Path != "" && internal.Path != "/" {
		u.Path = strings.TrimSuffix(public.Path, "/") + strings.TrimPrefix(u.Path, strings.TrimSuffix(internal.Path, "/"))
	} else if public.Path != "" && public.Path != "/" {
		u.Path = strings.TrimSuffix(public.Path, "/") + u.Path
	}
	return u.String(), nil
}

// ContentDisposition builds an attachment disposition with both the plain
// ASCII filename and the RFC 5987 UTF-8 form.
func ContentDisposition(filename string) string {
	ascii := make([]rune, 0, len(filename))
	for _, r := range filename {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			ascii = append(ascii, '_')
		} else {
			ascii = append(ascii, r)
		}
	}
	encoded := rfc5987Encode(filename)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, string(ascii), encoded)
}

// rfc5987Encode percent-encodes a value per RFC 5987 attr-char rules.
func rfc5987Encode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '!' || c == '#' || c == '$' || c == '&' || c == '+' ||
			c == '-' || c == '.' || c == '^' || c == '_' || c == '`' ||
			c == '|' || c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		}
	}
	return b.String()
}
