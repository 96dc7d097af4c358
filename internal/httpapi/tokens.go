package httpapi

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"ocrd/internal/common/fsutil"
	"ocrd/internal/storage"
	"ocrd/pkg/types"
)

const (
	defaultTokenTTL  = time.Hour
	defaultDownloads = 1
)

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
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

	req := types.CreateTokenRequest{Kind: "zip"}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, jsonBodyLimit)
		// an empty body keeps the defaults
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Kind == "" {
		req.Kind = "zip"
	}
	paths := storage.JobPathsFor(s.root, taskID)
	file, ok := artifactPath(paths, req.Kind)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown artifact kind")
		return
	}
	if !fsutil.PathExists(file) {
		writeJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}

	ttl := defaultTokenTTL
	if req.ExpireSeconds > 0 {
		ttl = time.Duration(req.ExpireSeconds) * time.Second
	}
	maxDownloads := req.MaxDownloads
	if maxDownloads < 1 {
		maxDownloads = defaultDownloads
	}

	backend := s.pub.Backend()
	objectKey := s.pub.ObjectKey(taskID, filepath.Base(file))
	tok, err := s.tokens.Create(backend, taskID, req.Kind, objectKey, file, maxDownloads, ttl)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().
		Str("task_id", taskID).
		Str("kind", req.Kind).
		Str("backend", backend).
		Msg("download token issued")
	writeJSON(w, http.StatusCreated, types.CreateTokenResponse{
		Token:    tok.Token,
		Backend:  tok.Backend,
		Kind:     tok.Kind,
		Remain:   tok.Remain,
		ExpireAt: tok.ExpireAt,
		Download: "/v1/download/" + tok.Token,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokens.Consume(chi.URLParam(r, "token"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "token invalid, expired or exhausted")
		return
	}
	if tok.Backend == "oss" {
		expire := time.Duration(s.cfg.OSS.SignExpireSeconds) * time.Second
		url, err := s.pub.SignURL(tok.ObjectKey, expire)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, "sign download url: "+err.Error())
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	s.serveStoredFile(w, r, tok.FilePath)
}
