package io

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Config holds S3 configuration.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // For MinIO or other S3-compatible services
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"` // Required for MinIO
}

// S3API is the subset of the S3 client used by S3FileIO.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3FileIO implements FileIO for S3.
type S3FileIO struct {
	client S3API
}

// NewS3FileIO creates a new S3 file I/O handler.
func NewS3FileIO(ctx context.Context, cfg *S3Config) (*S3FileIO, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3FileIOFromClient(s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

// NewS3FileIOFromClient wraps an existing client.
func NewS3FileIOFromClient(client S3API) *S3FileIO {
	return &S3FileIO{client: client}
}

// parseS3URI parses an S3 URI into bucket and key.
func parseS3URI(uri string) (bucket, key string, err error) {
	scheme, _ := splitScheme(uri)
	switch scheme {
	case "s3", "s3a", "s3n":
	default:
		return "", "", fmt.Errorf("invalid S3 URI %q", uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URI: %w", err)
	}

	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")

	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in S3 URI")
	}

	return bucket, key, nil
}

func (s *S3FileIO) locate(op, path string) (string, string, error) {
	bucket, key, err := parseS3URI(path)
	if err != nil {
		return "", "", transportError(op, path, false, err)
	}
	return bucket, key, nil
}

// ReadFile downloads an object.
func (s *S3FileIO) ReadFile(ctx context.Context, path string) ([]byte, error) {
	bucket, key, err := s.locate("get", path)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error("get", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("get", path, true, err)
	}
	return data, nil
}

// WriteFile uploads an object, replacing any existing one.
func (s *S3FileIO) WriteFile(ctx context.Context, path string, data []byte) error {
	return s.put(ctx, "put", path, data, false)
}

// CreateFile uploads an object with If-None-Match: * so the write fails
// when the key exists.
func (s *S3FileIO) CreateFile(ctx context.Context, path string, data []byte) error {
	return s.put(ctx, "put-if-absent", path, data, true)
}

func (s *S3FileIO) put(ctx context.Context, op, path string, data []byte, exclusive bool) error {
	bucket, key, err := s.locate(op, path)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if exclusive && isPreconditionFailure(err) {
			return ErrFileExists
		}
		return classifyS3Error(op, path, err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *S3FileIO) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key, err := s.locate("head", path)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3Error("head", path, err)
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete deletes an object.
func (s *S3FileIO) Delete(ctx context.Context, path string) error {
	bucket, key, err := s.locate("delete", path)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error("delete", path, err)
	}
	return nil
}

// ListFiles lists objects under a prefix.
func (s *S3FileIO) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	bucket, key, err := s.locate("list", prefix)
	if err != nil {
		return nil, err
	}
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}

	var files []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error("list", prefix, err)
		}

		for _, obj := range page.Contents {
			files = append(files, fmt.Sprintf("s3://%s/%s", bucket, aws.ToString(obj.Key)))
		}
	}

	return files, nil
}

// classifyS3Error maps SDK errors onto the transport error taxonomy.
func classifyS3Error(op, path string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fileNotFound(path)
	}
	status := 0
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	isAPIErr := errors.As(err, &apiErr)
	if isAPIErr {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fileNotFound(path)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return transportError(op, path, true, err)
		}
	}
	switch {
	case status == http.StatusNotFound:
		return fileNotFound(path)
	case status == http.StatusTooManyRequests || status >= 500:
		return transportError(op, path, true, err)
	case status != 0 || isAPIErr:
		return transportError(op, path, false, err)
	}
	// No HTTP response: the request never completed.
	return transportError(op, path, true, err)
}

func isPreconditionFailure(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusPreconditionFailed
	}
	return false
}
