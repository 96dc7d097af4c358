package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ocrd/pkg/types"
)

// PackZip bundles the output directory's contents into result.zip. The
// archive root contains full.md, layout.json and images/ directly, with no
// nested task-id directory.
func PackZip(paths types.JobPaths) error {
	tmp := paths.ZipFile + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create zip: %w", err)
	}
	zw := zip.NewWriter(f)

	err = filepath.Walk(paths.OutputDir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(paths.OutputDir, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err == nil {
		err = zw.Close()
	} else {
		_ = zw.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("pack zip: %w", err)
	}
	if err := os.Rename(tmp, paths.ZipFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}
