// Package storage puts narration audio in object storage and builds its public URL.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"story-pipeline/internal/config"
)

const audioContentType = "audio/mpeg"

// AudioKey is the object key for a story's narration.
func AudioKey(slug string) string {
	return "stories/audio/" + slug + ".mp3"
}

// JoinURL joins a base URL and an object key with exactly one slash between them.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

type objectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// AudioStore uploads narration and reports where listeners can fetch it.
type AudioStore struct {
	putter     objectPutter
	publicBase string
}

// NewAudioStore picks the backend named by STORAGE_DRIVER. Missing bucket
// credentials do not fail construction; uploads then return ErrNotConfigured so
// runs without audio keep working.
func NewAudioStore(ctx context.Context, cfg config.Config) (*AudioStore, error) {
	switch strings.ToLower(cfg.StorageDriver) {
	case "local":
		return &AudioStore{
			putter:     &localPutter{baseDir: cfg.LocalStorageDir},
			publicBase: cfg.PublicBaseURL,
		}, nil
	case "", "s3", "r2":
		if missing := missingBucketSettings(cfg); len(missing) > 0 {
			return &AudioStore{putter: unconfiguredPutter{missing: missing}}, nil
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &AudioStore{
			putter:     &s3Putter{client: client, bucket: cfg.R2Bucket},
			publicBase: cfg.PublicBaseURL,
		}, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
}

// UploadAudio stores mp3 bytes under the story's audio key and returns the public URL.
func (a *AudioStore) UploadAudio(ctx context.Context, slug string, audio []byte) (string, error) {
	key := AudioKey(slug)
	location, err := a.putter.Put(ctx, key, audio, audioContentType)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if a.publicBase == "" {
		return location, nil
	}
	return JoinURL(a.publicBase, key), nil
}

func missingBucketSettings(cfg config.Config) []string {
	var missing []string
	if cfg.R2AccountID == "" && cfg.StorageEndpoint == "" {
		missing = append(missing, "CLOUDFLARE_R2_ACCOUNT_ID")
	}
	if cfg.R2AccessKeyID == "" {
		missing = append(missing, "CLOUDFLARE_R2_ACCESS_KEY_ID")
	}
	if cfg.R2SecretAccessKey == "" {
		missing = append(missing, "CLOUDFLARE_R2_SECRET_ACCESS_KEY")
	}
	if cfg.R2Bucket == "" {
		missing = append(missing, "CLOUDFLARE_R2_BUCKET_NAME")
	}
	if cfg.PublicBaseURL == "" {
		missing = append(missing, "CLOUDFLARE_R2_PUBLIC_URL")
	}
	return missing
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	endpoint := cfg.StorageEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.R2AccessKeyID, cfg.R2SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = cfg.StoragePathStyle
	}), nil
}

type s3Putter struct {
	client *s3.Client
	bucket string
}

func (s *s3Putter) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

type localPutter struct {
	baseDir string
}

func (l *localPutter) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type unconfiguredPutter struct {
	missing []string
}

func (u unconfiguredPutter) Put(context.Context, string, []byte, string) (string, error) {
	return "", fmt.Errorf("object storage %s: %w", strings.Join(u.missing, ", "), config.ErrNotConfigured)
}
