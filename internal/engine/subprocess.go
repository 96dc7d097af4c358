package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ocrd/pkg/types"
)

// subprocessEngine shells out to a converter binary for every call. The
// converter holds the whole model in memory for the duration of one run, so
// only one invocation may be active per process: Concurrent is false and
// the resource manager serializes access.
type subprocessEngine struct {
	bin    string
	args   []string
	device string
	tmpDir string
}

// NewSubprocess verifies the converter binary exists and returns a handle.
func NewSubprocess(bin string, args []string, device, tmpDir string) (Engine, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("converter binary not configured")
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("converter binary %q not found: %w", bin, err)
	}
	return &subprocessEngine{bin: resolved, args: args, device: device, tmpDir: tmpDir}, nil
}

func (e *subprocessEngine) Name() string     { return "subprocess" }
func (e *subprocessEngine) Concurrent() bool { return false }
func (e *subprocessEngine) Close() error     { return nil }

// subprocessResult is the converter's output manifest. Image values are
// file names relative to the run directory's images/ folder.
type subprocessResult struct {
	Pages []struct {
		PageIndex int             `json:"page_index"`
		Res       json.RawMessage `json:"res"`
		Markdown  string          `json:"markdown"`
		Images    []string        `json:"images,omitempty"`
	} `json:"pages"`
}

func (e *subprocessEngine) Predict(ctx context.Context, inputPath string, opts types.ConvertOptions) ([]types.PageResult, error) {
	runDir, err := os.MkdirTemp(e.tmpDir, "convert-*")
	if err != nil {
		return nil, fmt.Errorf("converter run dir: %w", err)
	}
	defer os.RemoveAll(runDir)

	args := append([]string{}, e.args...)
	args = append(args,
		"--input", inputPath,
		"--output", runDir,
		"--device", e.device,
	)
	if opts.IsOCR {
		args = append(args, "--ocr")
	}
	if opts.EnableFormula {
		args = append(args, "--formula")
	}
	if opts.EnableTable {
		args = append(args, "--table")
	}
	if opts.BBox {
		args = append(args, "--bbox")
	}
	if opts.Language != "" {
		args = append(args, "--lang", opts.Language)
	}
	if opts.PageRanges != "" {
		args = append(args, "--pages", opts.PageRanges)
	}
	if opts.ModelVersion != "" {
		args = append(args, "--model", opts.ModelVersion)
	}

	cmd := exec.CommandContext(ctx, e.bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("converter failed: %s", msg)
	}

	var manifest subprocessResult
	b, err := os.ReadFile(filepath.Join(runDir, "result.json"))
	if err != nil {
		return nil, fmt.Errorf("converter produced no result: %w", err)
	}
	if err := json.Unmarshal(b, &manifest); err != nil {
		return nil, fmt.Errorf("converter result malformed: %w", err)
	}

	results := make([]types.PageResult, 0, len(manifest.Pages))
	for _, p := range manifest.Pages {
		pr := types.PageResult{PageIndex: p.PageIndex, Res: p.Res, Markdown: p.Markdown}
		if len(p.Images) > 0 {
			pr.Images = make(map[string][]byte, len(p.Images))
			for _, name := range p.Images {
				data, err := os.ReadFile(filepath.Join(runDir, "images", filepath.Base(name)))
				if err != nil {
					continue
				}
				pr.Images[name] = data
			}
		}
		results = append(results, pr)
	}
	return results, nil
}
