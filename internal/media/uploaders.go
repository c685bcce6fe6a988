package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"catalog-migrator/internal/config"
)

// LocalUploader writes images below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	baseDir := l.BaseDir
	if baseDir == "" {
		baseDir = "./output/images"
	}
	path := filepath.Join(baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean("/" + key)
	return strings.TrimPrefix(key, string(filepath.Separator))
}

// S3Uploader puts objects in one bucket and returns their virtual-hosted URL.
type S3Uploader struct {
	client   *s3.Client
	bucket   string
	region   string
	endpoint string
	path     bool
}

func NewS3Uploader(ctx context.Context, cfg config.Config) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.MirrorS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MirrorS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MirrorS3Endpoint)
		}
		o.UsePathStyle = cfg.MirrorS3PathStyle
	})
	return &S3Uploader{
		client:   client,
		bucket:   cfg.MirrorS3Bucket,
		region:   cfg.MirrorS3Region,
		endpoint: strings.TrimRight(cfg.MirrorS3Endpoint, "/"),
		path:     cfg.MirrorS3PathStyle,
	}, nil
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return s.objectURL(key), nil
}

func (s *S3Uploader) objectURL(key string) string {
	switch {
	case s.endpoint != "" && s.path:
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	case s.endpoint != "":
		return fmt.Sprintf("%s/%s", s.endpoint, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
	}
}
