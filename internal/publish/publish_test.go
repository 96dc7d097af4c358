package publish

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/rs/zerolog"

	"ocrd/pkg/types"
)

type fakeBucket struct {
	uploads map[string]string
	signed  []string
	putErr  error
}

func (b *fakeBucket) PutObjectFromFile(key, file string, _ ...oss.Option) error {
	if b.putErr != nil {
		return b.putErr
	}
	if b.uploads == nil {
		b.uploads = make(map[string]string)
	}
	b.uploads[key] = file
	return nil
}

func (b *fakeBucket) SignURL(key string, _ oss.HTTPMethod, expiredInSec int64, _ ...oss.Option) (string, error) {
	b.signed = append(b.signed, key)
	return "https://bucket.example/" + key + "?expires=" + time.Duration(expiredInSec*int64(time.Second)).String(), nil
}

func jobWithArtifacts(t *testing.T, withZip bool) *types.Job {
	t.Helper()
	dir := t.TempDir()
	paths := types.JobPaths{
		MarkdownFile: filepath.Join(dir, "full.md"),
		JSONFile:     filepath.Join(dir, "layout.json"),
		ZipFile:      filepath.Join(dir, "result.zip"),
	}
	if err := os.WriteFile(paths.MarkdownFile, []byte("# x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.JSONFile, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if withZip {
		if err := os.WriteFile(paths.ZipFile, []byte("PK"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &types.Job{TaskID: "task-1", Paths: paths}
}

func TestPublishJobUploadsUnderPrefix(t *testing.T) {
	bucket := &fakeBucket{}
	p := &OSS{bucket: bucket, prefix: "results", log: zerolog.Nop()}
	job := jobWithArtifacts(t, true)

	if err := p.PublishJob(job); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, key := range []string{"results/task-1/result.zip", "results/task-1/full.md", "results/task-1/layout.json"} {
		if _, ok := bucket.uploads[key]; !ok {
			t.Fatalf("missing upload %s (got %v)", key, bucket.uploads)
		}
	}
}

func TestPublishJobSkipsMissingArtifacts(t *testing.T) {
	bucket := &fakeBucket{}
	p := &OSS{bucket: bucket, prefix: "results", log: zerolog.Nop()}
	job := jobWithArtifacts(t, false)

	if err := p.PublishJob(job); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := bucket.uploads["results/task-1/result.zip"]; ok {
		t.Fatalf("nonexistent zip was uploaded")
	}
	if len(bucket.uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %v", bucket.uploads)
	}
}

func TestPublishJobPropagatesUploadError(t *testing.T) {
	bucket := &fakeBucket{putErr: errors.New("throttled")}
	p := &OSS{bucket: bucket, prefix: "results", log: zerolog.Nop()}
	if err := p.PublishJob(jobWithArtifacts(t, true)); err == nil {
		t.Fatalf("upload error swallowed")
	}
}

func TestSignURL(t *testing.T) {
	bucket := &fakeBucket{}
	p := &OSS{bucket: bucket, prefix: "results", log: zerolog.Nop()}
	url, err := p.SignURL("results/task-1/result.zip", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if url == "" || len(bucket.signed) != 1 {
		t.Fatalf("sign not delegated: %q %v", url, bucket.signed)
	}
}

func TestLocalBackend(t *testing.T) {
	var p Publisher = Local{}
	if p.Backend() != "local" {
		t.Fatalf("backend %q", p.Backend())
	}
	if err := p.PublishJob(&types.Job{}); err != nil {
		t.Fatalf("local publish should be a no-op: %v", err)
	}
	if _, err := p.SignURL("x", time.Hour); err == nil {
		t.Fatalf("local backend signed a url")
	}
}
