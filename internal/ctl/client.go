// Package ctl implements the ocrdctl command set: a small HTTP client for
// operating a running daemon from the shell.
package ctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ocrd/pkg/types"
)

// Client talks to one daemon instance.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient builds a Client with sane timeouts for control-plane calls.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return c.HTTP.Do(req)
}

func (c *Client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (c *Client) postJSON(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitURL creates a task from a remote document.
func (c *Client) SubmitURL(url string, req types.CreateTaskRequest) (types.CreateTaskResponse, error) {
	req.URL = url
	var out types.CreateTaskResponse
	err := c.postJSON("/v1/tasks", req, &out)
	return out, err
}

// SubmitFile uploads a local document as a new task.
func (c *Client) SubmitFile(path string, fields map[string]string) (types.CreateTaskResponse, error) {
	var out types.CreateTaskResponse
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return out, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return out, err
	}
	for k, v := range fields {
		if v != "" {
			_ = mw.WriteField(k, v)
		}
	}
	if err := mw.Close(); err != nil {
		return out, err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/v1/tasks/upload", &buf)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	err = decodeOrError(resp, &out)
	return out, err
}

// Progress fetches a task's current state.
func (c *Client) Progress(taskID string) (types.TaskProgress, error) {
	var out types.TaskProgress
	err := c.getJSON("/v1/tasks/"+taskID, &out)
	return out, err
}

// Wait polls a task until it reaches a terminal state or the timeout
// elapses.
func (c *Client) Wait(taskID string, timeout, interval time.Duration) (types.TaskProgress, error) {
	deadline := time.Now().Add(timeout)
	for {
		prog, err := c.Progress(taskID)
		if err != nil {
			return prog, err
		}
		switch prog.Status {
		case types.StatusSucceeded, types.StatusFailed, types.StatusCanceled:
			return prog, nil
		}
		if time.Now().After(deadline) {
			return prog, fmt.Errorf("task %s still %s after %s", taskID, prog.Status, timeout)
		}
		time.Sleep(interval)
	}
}

// MintToken asks for a download token for one artifact.
func (c *Client) MintToken(taskID string, req types.CreateTokenRequest) (types.CreateTokenResponse, error) {
	var out types.CreateTokenResponse
	err := c.postJSON("/v1/tasks/"+taskID+"/token", req, &out)
	return out, err
}

// Fetch mints a token for the artifact and streams it to dst.
func (c *Client) Fetch(taskID, kind, dst string) error {
	tok, err := c.MintToken(taskID, types.CreateTokenRequest{Kind: kind})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+tok.Download, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeOrError(resp, nil)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Delete removes a task and its artifacts.
func (c *Client) Delete(taskID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.BaseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, nil)
}

// ServerStatus fetches the daemon's /status document.
func (c *Client) ServerStatus() (types.StatusResponse, error) {
	var out types.StatusResponse
	err := c.getJSON("/status", &out)
	return out, err
}
