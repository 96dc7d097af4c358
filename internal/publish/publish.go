// Package publish ships finished job artifacts to their download location.
// The local backend serves files straight off the job store; the oss
// backend uploads them to an object bucket and signs time-limited URLs.
package publish

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/rs/zerolog"

	"ocrd/internal/config"
	"ocrd/pkg/types"
)

// Publisher pushes a job's artifacts to where tokens can reach them.
type Publisher interface {
	// Backend names the publish target ("local" or "oss").
	Backend() string
	// PublishJob uploads the job's artifacts. For the local backend this
	// is a no-op because artifacts are already in place.
	PublishJob(job *types.Job) error
	// ObjectKey maps a task artifact to its remote key ("" for local).
	ObjectKey(taskID, name string) string
	// SignURL produces a pre-signed download URL for a remote key.
	SignURL(objectKey string, expire time.Duration) (string, error)
}

// Local is the pass-through backend: artifacts stay on the job store and
// are streamed by the daemon itself.
type Local struct{}

func (Local) Backend() string                 { return "local" }
func (Local) PublishJob(*types.Job) error     { return nil }
func (Local) ObjectKey(string, string) string { return "" }
func (Local) SignURL(string, time.Duration) (string, error) {
	return "", fmt.Errorf("local backend does not sign urls")
}

// ossBucket is the slice of *oss.Bucket we use, split out for tests.
type ossBucket interface {
	PutObjectFromFile(objectKey, filePath string, options ...oss.Option) error
	SignURL(objectKey string, method oss.HTTPMethod, expiredInSec int64, options ...oss.Option) (string, error)
}

// OSS publishes artifacts to an Aliyun OSS bucket under a key prefix.
type OSS struct {
	bucket ossBucket
	prefix string
	log    zerolog.Logger
}

// NewOSS connects to the configured bucket.
func NewOSS(cfg config.OSS, logger zerolog.Logger) (*OSS, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("oss client: %w", err)
	}
	bucket, err := client.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("oss bucket %s: %w", cfg.Bucket, err)
	}
	return &OSS{
		bucket: bucket,
		prefix: cfg.Prefix,
		log:    logger.With().Str("component", "publish").Logger(),
	}, nil
}

func (p *OSS) Backend() string { return "oss" }

// ObjectKey places an artifact under prefix/<taskID>/<name>.
func (p *OSS) ObjectKey(taskID, name string) string {
	return path.Join(p.prefix, taskID, name)
}

// PublishJob uploads whichever artifacts the job produced. A missing
// optional artifact (e.g. no zip requested) is skipped silently.
func (p *OSS) PublishJob(job *types.Job) error {
	artifacts := []string{
		job.Paths.ZipFile,
		job.Paths.MarkdownFile,
		job.Paths.JSONFile,
	}
	for _, file := range artifacts {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		key := p.ObjectKey(job.TaskID, filepath.Base(file))
		if err := p.bucket.PutObjectFromFile(key, file); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		p.log.Info().Str("task_id", job.TaskID).Str("key", key).Msg("artifact published")
	}
	return nil
}

// SignURL signs a GET for the given key.
func (p *OSS) SignURL(objectKey string, expire time.Duration) (string, error) {
	secs := int64(expire / time.Second)
	if secs < 1 {
		secs = 1
	}
	url, err := p.bucket.SignURL(objectKey, oss.HTTPGet, secs)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", objectKey, err)
	}
	return url, nil
}
