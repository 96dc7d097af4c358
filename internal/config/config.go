package config

import "time"

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	// Server
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	APIKeys     []string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`
	RequireAuth bool     `json:"require_auth" yaml:"require_auth" toml:"require_auth"`
	CORSOrigins []string `json:"cors_allow_origins" yaml:"cors_allow_origins" toml:"cors_allow_origins"`

	// Storage
	StorageRoot     string `json:"storage_root" yaml:"storage_root" toml:"storage_root"`
	MaxJobRetention int    `json:"max_job_retention" yaml:"max_job_retention" toml:"max_job_retention"`
	TokenStorePath  string `json:"token_store_path" yaml:"token_store_path" toml:"token_store_path"`

	// Queue / workers
	MaxQueueSize int `json:"max_queue_size" yaml:"max_queue_size" toml:"max_queue_size"`
	MaxWorkers   int `json:"max_workers" yaml:"max_workers" toml:"max_workers"`

	// Resource gating
	DynamicWorkers     bool    `json:"dynamic_workers" yaml:"dynamic_workers" toml:"dynamic_workers"`
	MemPerJobGB        float64 `json:"mem_per_job_gb" yaml:"mem_per_job_gb" toml:"mem_per_job_gb"`
	ReserveGPUMemGB    float64 `json:"reserve_gpu_mem_gb" yaml:"reserve_gpu_mem_gb" toml:"reserve_gpu_mem_gb"`
	MinSystemMemGB     float64 `json:"min_system_memory_gb" yaml:"min_system_memory_gb" toml:"min_system_memory_gb"`
	GPUIndex           int     `json:"gpu_index" yaml:"gpu_index" toml:"gpu_index"`
	ForceCPU           bool    `json:"force_cpu" yaml:"force_cpu" toml:"force_cpu"`
	IdleUnloadSeconds  int     `json:"idle_unload_seconds" yaml:"idle_unload_seconds" toml:"idle_unload_seconds"`
	LoadTimeoutSeconds int     `json:"load_timeout_seconds" yaml:"load_timeout_seconds" toml:"load_timeout_seconds"`

	// Pipeline limits
	MaxUploadMB     int  `json:"max_upload_mb" yaml:"max_upload_mb" toml:"max_upload_mb"`
	MaxPages        int  `json:"max_pages" yaml:"max_pages" toml:"max_pages"`
	EnableAutoBatch bool `json:"enable_auto_batch" yaml:"enable_auto_batch" toml:"enable_auto_batch"`
	BatchPageSize   int  `json:"batch_page_size" yaml:"batch_page_size" toml:"batch_page_size"`

	// Engine backends
	Backend       string   `json:"backend" yaml:"backend" toml:"backend"`
	SidecarURL    string   `json:"sidecar_url" yaml:"sidecar_url" toml:"sidecar_url"`
	ConverterBin  string   `json:"converter_bin" yaml:"converter_bin" toml:"converter_bin"`
	ConverterArgs []string `json:"converter_args" yaml:"converter_args" toml:"converter_args"`

	// Publishing
	PublishBackend string `json:"publish_backend" yaml:"publish_backend" toml:"publish_backend"`
	AutoPublish    bool   `json:"auto_publish" yaml:"auto_publish" toml:"auto_publish"`
	OSS            OSS    `json:"oss" yaml:"oss" toml:"oss"`

	// Rate limiting
	RateLimit RateLimit `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`

	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`
}

// OSS configures the remote publish backend.
type OSS struct {
	Endpoint          string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Bucket            string `json:"bucket" yaml:"bucket" toml:"bucket"`
	AccessKeyID       string `json:"access_key_id" yaml:"access_key_id" toml:"access_key_id"`
	AccessKeySecret   string `json:"access_key_secret" yaml:"access_key_secret" toml:"access_key_secret"`
	Prefix            string `json:"prefix" yaml:"prefix" toml:"prefix"`
	SignExpireSeconds int64  `json:"sign_expire_seconds" yaml:"sign_expire_seconds" toml:"sign_expire_seconds"`
}

// RateLimit configures per-client admission control.
type RateLimit struct {
	Enabled     bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	RPS         float64  `json:"rps" yaml:"rps" toml:"rps"`
	Burst       int      `json:"burst" yaml:"burst" toml:"burst"`
	TTLSeconds  int      `json:"ttl_seconds" yaml:"ttl_seconds" toml:"ttl_seconds"`
	ExemptPaths []string `json:"exempt_paths" yaml:"exempt_paths" toml:"exempt_paths"`
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		Addr:               ":8000",
		LogLevel:           "info",
		RequireAuth:        false,
		CORSOrigins:        []string{"*"},
		StorageRoot:        "data/jobs",
		MaxJobRetention:    1000,
		TokenStorePath:     "data/tokens/tokens.json",
		MaxQueueSize:       100,
		MaxWorkers:         1,
		DynamicWorkers:     true,
		MemPerJobGB:        8.0,
		ReserveGPUMemGB:    1.0,
		MinSystemMemGB:     2.0,
		IdleUnloadSeconds:  600,
		LoadTimeoutSeconds: 180,
		MaxUploadMB:        200,
		MaxPages:           500,
		EnableAutoBatch:    true,
		BatchPageSize:      50,
		Backend:            "sidecar",
		SidecarURL:         "http://127.0.0.1:8501",
		PublishBackend:     "local",
		OSS: OSS{
			Prefix:            "ocrd",
			SignExpireSeconds: 3600,
		},
		RateLimit: RateLimit{
			Enabled:     true,
			RPS:         10,
			Burst:       20,
			TTLSeconds:  300,
			ExemptPaths: []string{"/healthz", "/metrics"},
		},
		MetricsEnabled: true,
	}
}

// ApplyDefaults fills unset fields of c from Defaults.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = d.CORSOrigins
	}
	if c.StorageRoot == "" {
		c.StorageRoot = d.StorageRoot
	}
	if c.MaxJobRetention <= 0 {
		c.MaxJobRetention = d.MaxJobRetention
	}
	if c.TokenStorePath == "" {
		c.TokenStorePath = d.TokenStorePath
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.MemPerJobGB <= 0 {
		c.MemPerJobGB = d.MemPerJobGB
	}
	if c.ReserveGPUMemGB < 0 {
		c.ReserveGPUMemGB = d.ReserveGPUMemGB
	}
	if c.MinSystemMemGB <= 0 {
		c.MinSystemMemGB = d.MinSystemMemGB
	}
	if c.IdleUnloadSeconds <= 0 {
		c.IdleUnloadSeconds = d.IdleUnloadSeconds
	}
	if c.LoadTimeoutSeconds <= 0 {
		c.LoadTimeoutSeconds = d.LoadTimeoutSeconds
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = d.MaxUploadMB
	}
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	if c.BatchPageSize <= 0 {
		c.BatchPageSize = d.BatchPageSize
	}
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.SidecarURL == "" {
		c.SidecarURL = d.SidecarURL
	}
	if c.PublishBackend == "" {
		c.PublishBackend = d.PublishBackend
	}
	if c.OSS.Prefix == "" {
		c.OSS.Prefix = d.OSS.Prefix
	}
	if c.OSS.SignExpireSeconds <= 0 {
		c.OSS.SignExpireSeconds = d.OSS.SignExpireSeconds
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = d.RateLimit.RPS
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.TTLSeconds <= 0 {
		c.RateLimit.TTLSeconds = d.RateLimit.TTLSeconds
	}
	if len(c.RateLimit.ExemptPaths) == 0 {
		c.RateLimit.ExemptPaths = d.RateLimit.ExemptPaths
	}
}

// IdleUnload returns the idle-unload threshold as a duration.
func (c Config) IdleUnload() time.Duration {
	return time.Duration(c.IdleUnloadSeconds) * time.Second
}

// AcquireTimeout returns the engine acquisition timeout as a duration.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSeconds) * time.Second
}
