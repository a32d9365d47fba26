package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/models"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(s.limitBody(w, r)).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.Int("dimensions", len(query.Vector)), zap.Int("k", query.K))
	response, err := s.engine.Search(r.Context(), &query)
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.presenter.Present(r.Context(), response))
}

// handleSearchImage accepts the query image as a multipart "image" field or
// as the raw request body. Parameters come from the query string or form.
func (s *Server) handleSearchImage(w http.ResponseWriter, r *http.Request) {
	img, values, err := s.readImage(w, r)
	if err != nil {
		s.fail(w, "read query image failed", err)
		return
	}
	k, err := intParam(values, "k")
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	filters, err := filtersFromValues(values)
	if err != nil {
		s.fail(w, "search failed", err)
		return
	}
	s.logger.Debug("image search request", zap.Int("bytes", len(img)), zap.Int("k", k))
	response, err := s.engine.SearchByImage(r.Context(), img, k, filters)
	if err != nil {
		s.fail(w, "image search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.presenter.Present(r.Context(), response))
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	values := r.URL.Query()
	k, err := intParam(values, "k")
	if err != nil {
		s.fail(w, "similar search failed", err)
		return
	}
	filters, err := filtersFromValues(values)
	if err != nil {
		s.fail(w, "similar search failed", err)
		return
	}
	response, err := s.engine.SearchByID(r.Context(), id, k, filters, !boolParam(values, "include_self"))
	if err != nil {
		s.fail(w, "similar search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.presenter.Present(r.Context(), response))
}

// ingestRequest is the JSON form of an ingest. Data carries base64 image bytes
// for clients that cannot send multipart bodies.
type ingestRequest struct {
	models.ImageInput
	Data []byte `json:"data,omitempty"`
}

func (req *ingestRequest) input() *models.ImageInput {
	in := req.ImageInput
	in.Data = req.Data
	return &in
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in *models.ImageInput
	if isMultipart(r) {
		img, values, err := s.readImage(w, r)
		if err != nil {
			s.fail(w, "read upload failed", err)
			return
		}
		attrs, err := models.ParseAttributes(values["attr"])
		if err != nil {
			s.fail(w, "ingest failed", err)
			return
		}
		in = &models.ImageInput{
			ID:         values.Get("id"),
			SourceRef:  values.Get("source_reference"),
			Category:   values.Get("category"),
			Tags:       splitList(values["tag"]),
			Attributes: attrs,
			Data:       img,
		}
	} else {
		var req ingestRequest
		if err := json.NewDecoder(s.limitBody(w, r)).Decode(&req); err != nil {
			s.fail(w, "ingest failed", models.NewConfigError("body", "invalid request body: %v", err))
			return
		}
		in = req.input()
	}
	s.logger.Debug("ingest request", zap.String("id", in.ID), zap.String("source", in.SourceRef))
	rec, err := s.indexer.Ingest(r.Context(), in)
	if err != nil {
		s.fail(w, "ingest failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, rec)
}

type bulkIngestRequest struct {
	Images []*ingestRequest `json:"images"`
}

func (s *Server) handleBulkIngest(w http.ResponseWriter, r *http.Request) {
	var req bulkIngestRequest
	if err := json.NewDecoder(s.limitBody(w, r)).Decode(&req); err != nil {
		s.fail(w, "bulk ingest failed", models.NewConfigError("body", "invalid request body: %v", err))
		return
	}
	if len(req.Images) == 0 {
		s.respondError(w, http.StatusBadRequest, "images is required")
		return
	}
	inputs := make([]*models.ImageInput, len(req.Images))
	for i, img := range req.Images {
		inputs[i] = img.input()
	}
	s.logger.Debug("bulk ingest request", zap.Int("count", len(inputs)))
	recs, err := s.indexer.BulkIngest(r.Context(), inputs)
	if err != nil {
		s.fail(w, "bulk ingest failed", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"images": recs, "count": len(recs)})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	attrs, err := models.ParseAttributes(values["attr"])
	if err != nil {
		s.fail(w, "list failed", err)
		return
	}
	offset, err := intParam(values, "offset")
	if err != nil {
		s.fail(w, "list failed", err)
		return
	}
	limit, err := intParam(values, "limit")
	if err != nil {
		s.fail(w, "list failed", err)
		return
	}
	recs, err := s.store.List(r.Context(), &models.ListFilter{
		Category:   values.Get("category"),
		Attributes: attrs,
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		s.fail(w, "list failed", err)
		return
	}
	if recs == nil {
		recs = []*models.ImageRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"images": recs, "count": len(recs)})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	item, err := s.indexer.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "get image failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.presenter.Image(r.Context(), item))
}

func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch models.MetadataPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("update metadata request", zap.String("id", id))
	rec, err := s.indexer.UpdateMetadata(r.Context(), id, &patch)
	if err != nil {
		s.fail(w, "update failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete image request", zap.String("id", id))
	if err := s.indexer.Delete(r.Context(), id); err != nil {
		s.fail(w, "deletion failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	item, err := s.indexer.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "thumbnail failed", err)
		return
	}
	if item.Record.ThumbnailRef == "" {
		s.respondError(w, http.StatusNotFound, "image has no thumbnail")
		return
	}
	data, err := s.blobs.Get(r.Context(), item.Record.ThumbnailRef)
	if err != nil {
		s.fail(w, "thumbnail failed", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("ETag", `"`+item.Record.ContentHash+`"`)
	_, _ = w.Write(data)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("index rebuild requested")
	if err := s.indexer.Rebuild(r.Context()); err != nil {
		s.fail(w, "rebuild failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.indexer.Stats())
}

func (s *Server) handleReembed(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("re-embedding requested")
	n, err := s.indexer.Reembed(r.Context())
	if err != nil {
		s.fail(w, "re-embedding failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"reembedded": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := CollectStatus(r.Context(), s.store, s.indexer, s.config)
	if err != nil {
		s.fail(w, "status failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.fail(w, "watch add directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.fail(w, "watch remove directory failed", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) io.Reader {
	if s.config == nil || s.config.Server.MaxUploadBytes <= 0 {
		return r.Body
	}
	return http.MaxBytesReader(w, r.Body, s.config.Server.MaxUploadBytes)
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mt, "multipart/")
}

// readImage returns the uploaded image bytes and the request parameters.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, url.Values, error) {
	body := s.limitBody(w, r)
	if !isMultipart(r) {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, nil, err
		}
		return data, r.URL.Query(), nil
	}
	r.Body = io.NopCloser(body)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, err
		}
		return nil, nil, models.NewConfigError("body", "invalid multipart form: %v", err)
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, nil, models.NewConfigError("image", "multipart field is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, err
	}
	return data, r.Form, nil
}

// fail logs err and responds with its mapped status.
func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error(), "code": errorCode(err)})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
