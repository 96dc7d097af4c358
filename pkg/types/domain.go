package types

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a conversion job. Transitions are
// monotonic: queued -> processing -> succeeded|failed.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusCanceled   JobStatus = "canceled"
)

// JobPaths locates every artifact of a single job on disk.
type JobPaths struct {
	Root         string `json:"root"`
	InputFile    string `json:"input_file"`
	OutputDir    string `json:"output_dir"`
	ImagesDir    string `json:"images_dir"`
	MarkdownFile string `json:"md_file"`
	JSONFile     string `json:"json_file"`
	ZipFile      string `json:"zip_file"`
}

// ConvertOptions carries the caller-selected conversion parameters.
// Zero values are meaningful defaults; backends ignore options they do not
// support instead of failing.
type ConvertOptions struct {
	// Run OCR on page images (as opposed to extracting embedded text).
	IsOCR bool `json:"is_ocr"`
	// Recognize formulas.
	EnableFormula bool `json:"enable_formula"`
	// Recognize tables.
	EnableTable bool `json:"enable_table"`
	// Document language hint, e.g. "ch" or "en".
	Language string `json:"language,omitempty"`
	// Explicit page selection like "1-20"; empty means all pages.
	PageRanges string `json:"page_ranges,omitempty"`
	// Target model variant; empty means the backend default.
	ModelVersion string `json:"model_version,omitempty"`
	// Include layout boxes in the structured output.
	BBox bool `json:"bbox"`
	// Produce result.zip bundling the output directory.
	PackZip bool `json:"pack_zip"`
}

// Job is one user-submitted conversion request. A Job is created by the
// submission path and afterwards mutated only by the worker that dequeued it.
type Job struct {
	TaskID   string         `json:"task_id"`
	Paths    JobPaths       `json:"-"`
	InputURL string         `json:"input_url,omitempty"`
	IsURL    bool           `json:"is_url"`
	Options  ConvertOptions `json:"options"`

	Status     JobStatus  `json:"status"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// StatusDoc is the durable per-job status snapshot written atomically on
// every transition. Timestamps are epoch seconds; zero means unset.
type StatusDoc struct {
	TaskID     string    `json:"task_id"`
	Status     JobStatus `json:"status"`
	QueuedAt   float64   `json:"queued_at"`
	StartedAt  float64   `json:"started_at,omitempty"`
	FinishedAt float64   `json:"finished_at,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// StatusDoc projects the job into its durable snapshot form.
func (j *Job) StatusDoc() StatusDoc {
	d := StatusDoc{
		TaskID:   j.TaskID,
		Status:   j.Status,
		QueuedAt: epoch(j.QueuedAt),
		Message:  j.Message,
	}
	if j.StartedAt != nil {
		d.StartedAt = epoch(*j.StartedAt)
	}
	if j.FinishedAt != nil {
		d.FinishedAt = epoch(*j.FinishedAt)
	}
	return d
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// PageResult is one page of engine output: a structured payload plus the
// page's markdown rendition and any extracted images keyed by the
// engine-assigned name.
type PageResult struct {
	PageIndex int               `json:"page_index"`
	Res       json.RawMessage   `json:"res"`
	Markdown  string            `json:"markdown,omitempty"`
	Images    map[string][]byte `json:"-"`
}

// PageEntry is the shape of one element of the aggregate layout.json
// "pages" array.
type PageEntry struct {
	PageIndex int             `json:"page_index"`
	Res       json.RawMessage `json:"res"`
}

// LayoutDoc is the aggregate structured result for a whole job.
type LayoutDoc struct {
	Pages []PageEntry `json:"pages"`
}
