package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// download streams a URL-sourced input to dst, aborting as soon as the body
// exceeds the upload ceiling so a hostile server cannot fill the disk.
func (p *Pipeline) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrValidation("bad input url: " + err.Error())
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return ErrValidation("download failed: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrValidation(fmt.Sprintf("download failed: upstream returned %d", resp.StatusCode))
	}

	limit := int64(p.cfg.MaxUploadMB) << 20
	if limit > 0 && resp.ContentLength > limit {
		return ErrTooLarge(fmt.Sprintf("remote file is %d MB, limit is %d MB",
			resp.ContentLength>>20, p.cfg.MaxUploadMB))
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("stage input: %w", err)
	}
	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	n, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("stage input: %w", err)
	}
	if limit > 0 && n > limit {
		_ = os.Remove(dst)
		return ErrTooLarge(fmt.Sprintf("remote file exceeds the %d MB limit", p.cfg.MaxUploadMB))
	}
	return nil
}
