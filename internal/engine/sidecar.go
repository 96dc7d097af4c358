package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"ocrd/pkg/types"
)

// sidecarEngine talks to a dedicated high-throughput inference server over
// HTTP. The server batches internally, so this backend is natively
// concurrency-safe and skips the manager's serialization lock.
type sidecarEngine struct {
	baseURL    string
	device     string
	httpClient *http.Client
}

// NewSidecar probes the sidecar's health endpoint and returns a handle to
// it. A failed probe is a load failure with the server's reason attached.
func NewSidecar(baseURL, device string, connectTimeout time.Duration) (Engine, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
	// Timeout stays 0: predictions can be minutes long and carry their own
	// context deadlines.
	e := &sidecarEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		device:     device,
		httpClient: &http.Client{Transport: tr, Timeout: 0},
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar unreachable at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sidecar unhealthy: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return e, nil
}

func (e *sidecarEngine) Name() string     { return "sidecar" }
func (e *sidecarEngine) Concurrent() bool { return true }
func (e *sidecarEngine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// predictRequest is the sidecar's wire payload.
type predictRequest struct {
	Input         string `json:"input"`
	IsOCR         bool   `json:"is_ocr"`
	EnableFormula bool   `json:"enable_formula"`
	EnableTable   bool   `json:"enable_table"`
	Language      string `json:"language,omitempty"`
	PageRanges    string `json:"page_ranges,omitempty"`
	ModelVersion  string `json:"model_version,omitempty"`
	BBox          bool   `json:"bbox"`
	Device        string `json:"device,omitempty"`
}

type predictPage struct {
	PageIndex int               `json:"page_index"`
	Res       json.RawMessage   `json:"res"`
	Markdown  string            `json:"markdown"`
	Images    map[string][]byte `json:"images,omitempty"` // base64 in JSON
}

type predictResponse struct {
	Pages []predictPage `json:"pages"`
	Error string        `json:"error,omitempty"`
}

func (e *sidecarEngine) Predict(ctx context.Context, inputPath string, opts types.ConvertOptions) ([]types.PageResult, error) {
	payload := predictRequest{
		Input:         inputPath,
		IsOCR:         opts.IsOCR,
		EnableFormula: opts.EnableFormula,
		EnableTable:   opts.EnableTable,
		Language:      opts.Language,
		PageRanges:    opts.PageRanges,
		ModelVersion:  opts.ModelVersion,
		BBox:          opts.BBox,
		Device:        e.device,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar predict: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("sidecar predict: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sidecar predict: decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("sidecar predict: %s", out.Error)
	}
	results := make([]types.PageResult, 0, len(out.Pages))
	for _, p := range out.Pages {
		results = append(results, types.PageResult{
			PageIndex: p.PageIndex,
			Res:       p.Res,
			Markdown:  p.Markdown,
			Images:    p.Images,
		})
	}
	return results, nil
}
