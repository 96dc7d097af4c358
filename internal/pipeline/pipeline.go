// Package pipeline turns a queued job into result artifacts: it stages the
// input, validates it, splits large documents into page batches, runs each
// batch through a leased engine and persists layout.json, full.md, images
// and the optional result.zip.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog"

	"ocrd/internal/common/fsutil"
	"ocrd/internal/manager"
	"ocrd/internal/storage"
	"ocrd/pkg/types"
)

// Config carries the pipeline's validation and batching knobs.
type Config struct {
	MaxUploadMB     int
	MaxPages        int
	EnableAutoBatch bool
	BatchPageSize   int
	AcquireTimeout  time.Duration
}

// Pipeline executes conversion jobs against a managed engine.
type Pipeline struct {
	cfg        Config
	mgr        *manager.Manager
	client     *http.Client
	countPages func(path string) (int, error)
	log        zerolog.Logger
}

// New builds a Pipeline. The HTTP client is used only for URL-sourced inputs.
func New(cfg Config, mgr *manager.Manager, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		mgr:        mgr,
		client:     &http.Client{Timeout: 10 * time.Minute},
		countPages: api.PageCountFile,
		log:        logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes one job end to end. The caller owns status transitions;
// Run only reports success or a typed failure.
func (p *Pipeline) Run(ctx context.Context, job *types.Job) error {
	if job.IsURL {
		if err := p.download(ctx, job.InputURL, job.Paths.InputFile); err != nil {
			return err
		}
	}
	pages, err := p.validate(job)
	if err != nil {
		return err
	}

	batches := p.planBatches(job.Options, pages)
	p.log.Info().
		Str("task_id", job.TaskID).
		Int("pages", pages).
		Int("batches", len(batches)).
		Msg("starting conversion")

	var (
		layout types.LayoutDoc
		md     strings.Builder
	)
	for i, ranges := range batches {
		results, err := p.runBatch(ctx, job, ranges)
		if err != nil {
			return fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}
		for _, page := range results {
			layout.Pages = append(layout.Pages, types.PageEntry{
				PageIndex: page.PageIndex,
				Res:       page.Res,
			})
			if page.Markdown != "" {
				if md.Len() > 0 {
					md.WriteString("\n\n")
				}
				md.WriteString(page.Markdown)
			}
			if err := p.writeImages(job.Paths, page); err != nil {
				return err
			}
		}
		// persist after every batch so partial progress survives a crash
		if err := fsutil.WriteJSONAtomic(job.Paths.JSONFile, layout); err != nil {
			return fmt.Errorf("persist layout: %w", err)
		}
		if err := fsutil.WriteFileAtomic(job.Paths.MarkdownFile, []byte(md.String()), 0o644); err != nil {
			return fmt.Errorf("persist markdown: %w", err)
		}
	}

	if job.Options.PackZip {
		if err := storage.PackZip(job.Paths); err != nil {
			return err
		}
	}
	return nil
}

// runBatch leases the engine for one page range and runs inference on it.
// The lease is scoped to the batch so memory headroom is re-evaluated
// between batches.
func (p *Pipeline) runBatch(ctx context.Context, job *types.Job, pageRanges string) ([]types.PageResult, error) {
	lease, err := p.mgr.Acquire(ctx, p.cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	opts := job.Options
	opts.PageRanges = pageRanges
	return lease.Engine().Predict(ctx, job.Paths.InputFile, opts)
}

// validate checks the staged input's size and content type, and returns
// the PDF page count (0 when the input is an image or the count cannot be
// determined).
func (p *Pipeline) validate(job *types.Job) (int, error) {
	info, err := os.Stat(job.Paths.InputFile)
	if err != nil {
		return 0, ErrValidation("input file missing: " + err.Error())
	}
	if p.cfg.MaxUploadMB > 0 && info.Size() > int64(p.cfg.MaxUploadMB)<<20 {
		return 0, ErrTooLarge(fmt.Sprintf("input is %d MB, limit is %d MB",
			info.Size()>>20, p.cfg.MaxUploadMB))
	}

	mime, err := mimetype.DetectFile(job.Paths.InputFile)
	if err != nil {
		return 0, ErrValidation("content detection failed: " + err.Error())
	}
	switch {
	case mime.Is("application/pdf"):
		return p.pdfPageCount(job)
	case mime.Is("image/png"), mime.Is("image/jpeg"):
		return 0, nil
	default:
		return 0, ErrValidation("unsupported content type " + mime.String())
	}
}

func (p *Pipeline) pdfPageCount(job *types.Job) (int, error) {
	if filepath.Ext(job.Paths.InputFile) != ".pdf" {
		return 0, ErrValidation("pdf content behind a non-pdf extension")
	}
	pages, err := p.countPages(job.Paths.InputFile)
	if err != nil {
		// a malformed xref table should not kill the job; the engine may
		// still handle the file
		p.log.Warn().Str("task_id", job.TaskID).Err(err).Msg("page count unavailable")
		return 0, nil
	}
	if p.cfg.MaxPages > 0 && pages > p.cfg.MaxPages {
		return 0, ErrTooLarge(fmt.Sprintf("document has %d pages, limit is %d", pages, p.cfg.MaxPages))
	}
	return pages, nil
}

// planBatches splits the document into page ranges. A caller-supplied range
// disables auto batching; so does an unknown page count. The returned slice
// always has at least one element (empty string means all pages).
func (p *Pipeline) planBatches(opts types.ConvertOptions, pages int) []string {
	if opts.PageRanges != "" {
		return []string{opts.PageRanges}
	}
	if !p.cfg.EnableAutoBatch || p.cfg.BatchPageSize <= 0 || pages <= p.cfg.BatchPageSize {
		return []string{""}
	}
	var ranges []string
	for start := 1; start <= pages; start += p.cfg.BatchPageSize {
		end := start + p.cfg.BatchPageSize - 1
		if end > pages {
			end = pages
		}
		ranges = append(ranges, fmt.Sprintf("%d-%d", start, end))
	}
	return ranges
}

// writeImages stores a page's extracted images under the job's images dir.
// Names are namespaced by page index so identically named images from
// different batches cannot clobber each other.
func (p *Pipeline) writeImages(paths types.JobPaths, page types.PageResult) error {
	for name, data := range page.Images {
		base := fsutil.SanitizeBaseName(name)
		if base == "" {
			p.log.Warn().Str("image", name).Msg("dropping image with unsafe name")
			continue
		}
		dst := filepath.Join(paths.ImagesDir, fmt.Sprintf("p%04d_%s", page.PageIndex, base))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write image %s: %w", base, err)
		}
	}
	return nil
}
