package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// FromEnv overlays OCRD_* environment variables onto cfg. Only variables
// that are set override file values.
func FromEnv(cfg Config) Config {
	setStr(&cfg.Addr, "OCRD_ADDR")
	setStr(&cfg.LogLevel, "OCRD_LOG_LEVEL")
	setBool(&cfg.RequireAuth, "OCRD_REQUIRE_AUTH")
	if v, ok := os.LookupEnv("OCRD_API_KEYS"); ok {
		cfg.APIKeys = splitCSV(v)
	}
	if v, ok := os.LookupEnv("OCRD_CORS_ALLOW_ORIGINS"); ok {
		cfg.CORSOrigins = splitCSV(v)
	}

	setStr(&cfg.StorageRoot, "OCRD_STORAGE_ROOT")
	setInt(&cfg.MaxJobRetention, "OCRD_MAX_JOB_RETENTION")
	setStr(&cfg.TokenStorePath, "OCRD_TOKEN_STORE_PATH")

	setInt(&cfg.MaxQueueSize, "OCRD_MAX_QUEUE_SIZE")
	setInt(&cfg.MaxWorkers, "OCRD_MAX_WORKERS")

	setBool(&cfg.DynamicWorkers, "OCRD_DYNAMIC_WORKERS")
	setFloat(&cfg.MemPerJobGB, "OCRD_MEM_PER_JOB_GB")
	setFloat(&cfg.ReserveGPUMemGB, "OCRD_RESERVE_GPU_MEM_GB")
	setFloat(&cfg.MinSystemMemGB, "OCRD_MIN_SYSTEM_MEMORY_GB")
	setInt(&cfg.GPUIndex, "OCRD_GPU_INDEX")
	setBool(&cfg.ForceCPU, "OCRD_FORCE_CPU")
	setInt(&cfg.IdleUnloadSeconds, "OCRD_IDLE_UNLOAD_SECONDS")
	setInt(&cfg.LoadTimeoutSeconds, "OCRD_LOAD_TIMEOUT_SECONDS")

	setInt(&cfg.MaxUploadMB, "OCRD_MAX_UPLOAD_MB")
	setInt(&cfg.MaxPages, "OCRD_MAX_PAGES")
	setBool(&cfg.EnableAutoBatch, "OCRD_ENABLE_AUTO_BATCH")
	setInt(&cfg.BatchPageSize, "OCRD_BATCH_PAGE_SIZE")

	setStr(&cfg.Backend, "OCRD_BACKEND")
	setStr(&cfg.SidecarURL, "OCRD_SIDECAR_URL")
	setStr(&cfg.ConverterBin, "OCRD_CONVERTER_BIN")

	setStr(&cfg.PublishBackend, "OCRD_PUBLISH_BACKEND")
	setBool(&cfg.AutoPublish, "OCRD_AUTO_PUBLISH")
	setStr(&cfg.OSS.Endpoint, "OCRD_OSS_ENDPOINT")
	setStr(&cfg.OSS.Bucket, "OCRD_OSS_BUCKET")
	setStr(&cfg.OSS.AccessKeyID, "OCRD_OSS_ACCESS_KEY_ID")
	setStr(&cfg.OSS.AccessKeySecret, "OCRD_OSS_ACCESS_KEY_SECRET")
	setStr(&cfg.OSS.Prefix, "OCRD_OSS_PREFIX")

	setBool(&cfg.RateLimit.Enabled, "OCRD_RATE_LIMIT_ENABLED")
	setFloat(&cfg.RateLimit.RPS, "OCRD_RATE_LIMIT_RPS")
	setInt(&cfg.RateLimit.Burst, "OCRD_RATE_LIMIT_BURST")

	setBool(&cfg.MetricsEnabled, "OCRD_METRICS_ENABLED")
	return cfg
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
