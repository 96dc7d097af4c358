// Package storage owns the on-disk layout of jobs: one directory per task id
// holding the input file, the output artifacts and the durable status
// snapshot. All JSON writes go through atomic tmp+rename.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"ocrd/internal/common/fsutil"
	"ocrd/pkg/types"
)

const statusFile = "job_status.json"

var safeInputExts = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Init creates the storage root (and its tmp dir) if missing and returns the
// absolute root path.
func Init(root string) (string, error) {
	expanded, err := fsutil.ExpandHome(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return "", fmt.Errorf("init storage: %w", err)
	}
	return abs, nil
}

// NewJob allocates a fresh task id and its directory tree. The input
// extension is taken from filename when it is on the allowlist, defaulting
// to .pdf otherwise.
func NewJob(root, filename string) (string, types.JobPaths, error) {
	taskID := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(filename))
	if !safeInputExts[ext] {
		ext = ".pdf"
	}
	paths := pathsFor(root, taskID, ext)
	if err := os.MkdirAll(paths.ImagesDir, 0o755); err != nil {
		return "", types.JobPaths{}, fmt.Errorf("create job dirs: %w", err)
	}
	return taskID, paths, nil
}

// JobPathsFor reconstructs the paths of an existing job, probing for the
// input file extension actually used.
func JobPathsFor(root, taskID string) types.JobPaths {
	jobRoot := filepath.Join(root, taskID)
	ext := ".pdf"
	for e := range safeInputExts {
		if fsutil.PathExists(filepath.Join(jobRoot, "input"+e)) {
			ext = e
			break
		}
	}
	return pathsFor(root, taskID, ext)
}

func pathsFor(root, taskID, ext string) types.JobPaths {
	jobRoot := filepath.Join(root, taskID)
	outDir := filepath.Join(jobRoot, "output")
	return types.JobPaths{
		Root:         jobRoot,
		InputFile:    filepath.Join(jobRoot, "input"+ext),
		OutputDir:    outDir,
		ImagesDir:    filepath.Join(outDir, "images"),
		MarkdownFile: filepath.Join(outDir, "full.md"),
		JSONFile:     filepath.Join(outDir, "layout.json"),
		ZipFile:      filepath.Join(jobRoot, "result.zip"),
	}
}

// SaveStatus atomically writes the job status snapshot under the job root.
func SaveStatus(paths types.JobPaths, doc types.StatusDoc) error {
	return fsutil.WriteJSONAtomic(filepath.Join(paths.Root, statusFile), doc)
}

// LoadStatus reads a job's durable status snapshot. ok is false when the job
// was never created or has been purged.
func LoadStatus(root, taskID string) (types.StatusDoc, bool) {
	var doc types.StatusDoc
	if err := fsutil.ReadJSON(filepath.Join(root, taskID, statusFile), &doc); err != nil {
		return types.StatusDoc{}, false
	}
	return doc, true
}

// ValidTaskID reports whether id is a well-formed UUID. Anything else is
// rejected before it can be used to build a path.
func ValidTaskID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ResolveInRoot resolves target and verifies it stays inside root,
// defending against traversal through crafted names or symlink-free
// relative segments.
func ResolveInRoot(root, target string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", target)
	}
	return abs, nil
}

// CleanupOldJobs removes job directories beyond the maxRetention most
// recently modified ones. The tmp dir is never touched. Returns the number
// of directories removed.
func CleanupOldJobs(root string, maxRetention int) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, err
	}
	type dirAge struct {
		name string
		mod  int64
	}
	var dirs []dirAge
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "tmp" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirAge{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if maxRetention < 0 {
		maxRetention = 0
	}
	if len(dirs) <= maxRetention {
		return 0, nil
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod > dirs[j].mod })
	removed := 0
	for _, d := range dirs[maxRetention:] {
		if err := os.RemoveAll(filepath.Join(root, d.name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// DeleteJob removes every artifact of a job. It does not interrupt a worker
// that may still be running the job.
func DeleteJob(root, taskID string) error {
	if !ValidTaskID(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	jobRoot, err := ResolveInRoot(root, filepath.Join(root, taskID))
	if err != nil {
		return err
	}
	if !fsutil.PathExists(jobRoot) {
		return os.ErrNotExist
	}
	return os.RemoveAll(jobRoot)
}
