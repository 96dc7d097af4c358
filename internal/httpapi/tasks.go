package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ocrd/internal/common/fsutil"
	"ocrd/internal/storage"
	"ocrd/pkg/types"
)

// jsonBodyLimit bounds JSON request bodies; file uploads have their own
// ceiling from config.
const jsonBodyLimit = 1 << 20

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
	var req types.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeJSONError(w, http.StatusBadRequest, "url must be http or https")
		return
	}

	taskID, paths, err := storage.NewJob(s.root, path.Base(u.Path))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job := &types.Job{
		TaskID:   taskID,
		Paths:    paths,
		InputURL: req.URL,
		IsURL:    true,
		Options:  optionsFromRequest(req),
	}
	s.submit(w, job)
}

func (s *Server) handleUploadTask(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	// allow some slack for the multipart framing around the file
	r.Body = http.MaxBytesReader(w, r.Body, limit+jsonBodyLimit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	taskID, paths, err := storage.NewJob(s.root, header.Filename)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dst, err := os.Create(paths.InputFile)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "stage input: "+err.Error())
		return
	}
	_, err = io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = storage.DeleteJob(s.root, taskID)
		writeJSONError(w, http.StatusInternalServerError, "stage input: "+err.Error())
		return
	}

	job := &types.Job{
		TaskID:  taskID,
		Paths:   paths,
		Options: optionsFromForm(r.MultipartForm.Value),
	}
	s.submit(w, job)
}

// submit hands the job to the queue and answers with 202 or backpressure.
func (s *Server) submit(w http.ResponseWriter, job *types.Job) {
	if !s.queue.Submit(job) {
		_ = storage.DeleteJob(s.root, job.TaskID)
		incrementRejection("queue_full")
		writeJSONError(w, http.StatusServiceUnavailable, "task queue is full")
		return
	}
	s.log.Info().Str("task_id", job.TaskID).Bool("is_url", job.IsURL).Msg("task accepted")
	writeJSON(w, http.StatusAccepted, types.CreateTaskResponse{
		TaskID: job.TaskID,
		Status: types.StatusQueued,
	})
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if !storage.ValidTaskID(taskID) {
		writeJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	var doc types.StatusDoc
	if job, ok := s.queue.Get(taskID); ok {
		doc = job.StatusDoc()
	} else if d, ok := storage.LoadStatus(s.root, taskID); ok {
		doc = d
	} else {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	prog := types.TaskProgress{
		TaskID:     doc.TaskID,
		Status:     doc.Status,
		QueuedAt:   doc.QueuedAt,
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
		Message:    doc.Message,
	}
	if doc.Status == types.StatusSucceeded {
		paths := storage.JobPathsFor(s.root, taskID)
		if fsutil.PathExists(paths.MarkdownFile) {
			prog.ResultMD = fmt.Sprintf("/v1/tasks/%s/result/md", taskID)
		}
		if fsutil.PathExists(paths.JSONFile) {
			prog.ResultJSON = fmt.Sprintf("/v1/tasks/%s/result/json", taskID)
		}
		if fsutil.PathExists(paths.ZipFile) {
			prog.ResultZip = fmt.Sprintf("/v1/tasks/%s/result/zip", taskID)
		}
	}
	writeJSON(w, http.StatusOK, prog)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if !storage.ValidTaskID(taskID) {
		writeJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if _, ok := s.queue.Get(taskID); !ok {
		if _, ok := storage.LoadStatus(s.root, taskID); !ok {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
	}
	s.queue.Cancel(taskID)
	if s.tokens != nil {
		s.tokens.RevokeTask(taskID)
	}
	if err := storage.DeleteJob(s.root, taskID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("task_id", taskID).Msg("task deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handlePublishTask pushes a finished task's artifacts to the configured
// remote backend on demand, independent of the auto-publish hook.
func (s *Server) handlePublishTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if !storage.ValidTaskID(taskID) {
		writeJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	doc, ok := storage.LoadStatus(s.root, taskID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if doc.Status != types.StatusSucceeded {
		writeJSONError(w, http.StatusConflict, "task has not succeeded")
		return
	}
	if s.pub.Backend() == "local" {
		writeJSONError(w, http.StatusBadRequest, "no remote publish backend configured")
		return
	}

	paths := storage.JobPathsFor(s.root, taskID)
	job := &types.Job{TaskID: taskID, Paths: paths}
	if err := s.pub.PublishJob(job); err != nil {
		writeJSONError(w, http.StatusBadGateway, "publish: "+err.Error())
		return
	}

	var objects []string
	for _, file := range []string{paths.ZipFile, paths.MarkdownFile, paths.JSONFile} {
		if fsutil.PathExists(file) {
			objects = append(objects, s.pub.ObjectKey(taskID, path.Base(file)))
		}
	}
	s.log.Info().Str("task_id", taskID).Str("backend", s.pub.Backend()).Msg("task published")
	writeJSON(w, http.StatusOK, types.PublishResponse{
		TaskID:  taskID,
		Backend: s.pub.Backend(),
		Objects: objects,
	})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if !storage.ValidTaskID(taskID) {
		writeJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	paths := storage.JobPathsFor(s.root, taskID)
	file, ok := artifactPath(paths, chi.URLParam(r, "kind"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown artifact kind")
		return
	}
	s.serveStoredFile(w, r, file)
}

func (s *Server) handleTaskImage(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if !storage.ValidTaskID(taskID) {
		writeJSONError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	name := fsutil.SanitizeBaseName(chi.URLParam(r, "name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid image name")
		return
	}
	paths := storage.JobPathsFor(s.root, taskID)
	s.serveStoredFile(w, r, paths.ImagesDir+"/"+name)
}

// serveStoredFile streams a file from the job store after re-anchoring it
// under the storage root.
func (s *Server) serveStoredFile(w http.ResponseWriter, r *http.Request, file string) {
	resolved, err := storage.ResolveInRoot(s.root, file)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if !fsutil.PathExists(resolved) {
		writeJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}
	http.ServeFile(w, r, resolved)
}

// artifactPath maps an artifact kind to its file within the job.
func artifactPath(paths types.JobPaths, kind string) (string, bool) {
	switch kind {
	case "md":
		return paths.MarkdownFile, true
	case "json":
		return paths.JSONFile, true
	case "zip":
		return paths.ZipFile, true
	default:
		return "", false
	}
}

func optionsFromRequest(req types.CreateTaskRequest) types.ConvertOptions {
	opts := defaultOptions()
	setBoolOpt(&opts.IsOCR, req.IsOCR)
	setBoolOpt(&opts.EnableFormula, req.EnableFormula)
	setBoolOpt(&opts.EnableTable, req.EnableTable)
	setBoolOpt(&opts.BBox, req.BBox)
	setBoolOpt(&opts.PackZip, req.PackZip)
	opts.Language = req.Language
	opts.PageRanges = req.PageRanges
	opts.ModelVersion = req.ModelVersion
	return opts
}

func optionsFromForm(values map[string][]string) types.ConvertOptions {
	opts := defaultOptions()
	get := func(key string) string {
		if v, ok := values[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	setFormBool := func(dst *bool, key string) {
		if v := get(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setFormBool(&opts.IsOCR, "is_ocr")
	setFormBool(&opts.EnableFormula, "enable_formula")
	setFormBool(&opts.EnableTable, "enable_table")
	setFormBool(&opts.BBox, "bbox")
	setFormBool(&opts.PackZip, "pack_zip")
	opts.Language = get("language")
	opts.PageRanges = get("page_ranges")
	opts.ModelVersion = get("model_version")
	return opts
}

func defaultOptions() types.ConvertOptions {
	return types.ConvertOptions{
		EnableFormula: true,
		EnableTable:   true,
		PackZip:       true,
	}
}

func setBoolOpt(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
