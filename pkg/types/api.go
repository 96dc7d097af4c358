package types

// CreateTaskRequest is the JSON body of POST /v1/tasks (URL sources).
type CreateTaskRequest struct {
	// Remote document to fetch and convert.
	// example: https://example.com/report.pdf
	URL string `json:"url"`
	// Run OCR on page images.
	IsOCR *bool `json:"is_ocr,omitempty"`
	// Recognize formulas.
	EnableFormula *bool `json:"enable_formula,omitempty"`
	// Recognize tables.
	EnableTable *bool `json:"enable_table,omitempty"`
	// Document language hint.
	// example: en
	Language string `json:"language,omitempty"`
	// Explicit page selection like "1-20".
	PageRanges string `json:"page_ranges,omitempty"`
	// Target model variant.
	ModelVersion string `json:"model_version,omitempty"`
	// Include layout boxes in structured output.
	BBox *bool `json:"bbox,omitempty"`
	// Bundle the output directory into result.zip.
	PackZip *bool `json:"pack_zip,omitempty"`
}

// CreateTaskResponse acknowledges an accepted submission.
type CreateTaskResponse struct {
	TaskID string    `json:"task_id"`
	Status JobStatus `json:"status"`
}

// TaskProgress is returned by GET /v1/tasks/{id}.
type TaskProgress struct {
	TaskID     string    `json:"task_id"`
	Status     JobStatus `json:"status"`
	QueuedAt   float64   `json:"queued_at"`
	StartedAt  float64   `json:"started_at,omitempty"`
	FinishedAt float64   `json:"finished_at,omitempty"`
	Message    string    `json:"message,omitempty"`
	ResultMD   string    `json:"result_md,omitempty"`
	ResultJSON string    `json:"result_json,omitempty"`
	ResultZip  string    `json:"result_zip,omitempty"`
}

// CreateTokenRequest is the JSON body of POST /v1/tasks/{id}/token.
type CreateTokenRequest struct {
	// Artifact kind: md, json or zip.
	Kind string `json:"kind"`
	// Allowed downloads before the token dies. Default 1.
	MaxDownloads int `json:"max_downloads,omitempty"`
	// Token lifetime in seconds. Default 3600.
	ExpireSeconds int `json:"expire_seconds,omitempty"`
}

// CreateTokenResponse returns the minted capability token.
type CreateTokenResponse struct {
	Token     string  `json:"token"`
	Backend   string  `json:"backend"`
	Kind      string  `json:"kind"`
	Remain    int     `json:"remain"`
	ExpireAt  float64 `json:"expire_at"`
	Download  string  `json:"download"`
}

// PublishResponse acknowledges POST /v1/tasks/{id}/publish.
type PublishResponse struct {
	TaskID  string `json:"task_id"`
	Backend string `json:"backend"`
	// Object keys pushed to the remote backend.
	Objects []string `json:"objects"`
}

// EngineStatus describes the resource manager for GET /status.
type EngineStatus struct {
	// Selected runtime device: gpu, cpu or unknown.
	// example: gpu
	Device string `json:"device"`
	// Active backend name.
	// example: sidecar
	Backend string `json:"backend"`
	// Whether the engine handle is currently loaded.
	Loaded bool `json:"loaded"`
	// Accelerator-bound tasks currently in flight.
	Inflight int `json:"inflight"`
	// Reason the primary device/backend was abandoned, if any.
	FallbackReason string `json:"fallback_reason,omitempty"`
	// Free accelerator memory in GB (0 when no GPU is visible).
	GPUFreeGB float64 `json:"gpu_free_gb"`
	// Total accelerator memory in GB.
	GPUTotalGB float64 `json:"gpu_total_gb"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Engine EngineStatus `json:"engine"`
	// Jobs waiting in the queue.
	QueueDepth int `json:"queue_depth"`
	// Configured queue capacity.
	QueueCapacity int `json:"queue_capacity"`
	// Live worker goroutines.
	Workers int `json:"workers"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: task queue is full
	Error string `json:"error"`
	// HTTP status code.
	// example: 503
	Code int `json:"code"`
}
