package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hyperjump/studyfed/internal/config"
	"github.com/hyperjump/studyfed/internal/export"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/paging"
	"github.com/hyperjump/studyfed/internal/remote"
	"github.com/hyperjump/studyfed/internal/results"
	"github.com/hyperjump/studyfed/internal/session"
	"github.com/hyperjump/studyfed/internal/storage"
	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()
	if len(req.Sources) > 0 {
		if _, err := s.session.ChangeSourceGroup(ctx, req.Sources); err != nil {
			s.respondQueryError(w, err)
			return
		}
	}
	s.logger.Debug("search request",
		zap.Int("parameter_sets", len(req.ParameterSets)), zap.Bool("confirm_open_search", req.ConfirmOpenSearch))
	report, err := s.session.Search(ctx, req.ParameterSets, session.SearchOptions{ConfirmOpenSearch: req.ConfirmOpenSearch})
	if err != nil {
		s.respondQueryError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ReportResponse(report))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	report, err := s.session.Refresh(r.Context())
	if err != nil {
		s.respondQueryError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ReportResponse(report))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	result := s.session.Result()
	if result == nil {
		s.respondError(w, http.StatusNotFound, "no source group selected")
		return
	}
	s.respondJSON(w, http.StatusOK, ResultResponse(result))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	result := s.session.Result()
	if result == nil {
		s.respondError(w, http.StatusNotFound, "no source group selected")
		return
	}
	columns := s.config.Session.RequiredFields
	if raw := r.URL.Query().Get("columns"); raw != "" {
		columns = splitList(raw)
	}
	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, result, columns); err != nil {
		s.logger.Error("export failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.SheetName(result.Title)+".xlsx"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Warn("export write failed", zap.Error(err))
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"sources": s.session.Sources()}
	if g := s.session.ActiveGroup(); g != nil {
		resp["active_group"] = g.Names()
		resp["active_group_id"] = g.ID
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChangeGroup(w http.ResponseWriter, r *http.Request) {
	var req models.GroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.session.ChangeSourceGroup(r.Context(), req.Sources)
	if err != nil {
		s.respondQueryError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ResultResponse(result))
}

// handleArchiveStudies serves the local datastore to peers that list this node as a remote source.
func (s *Server) handleArchiveStudies(w http.ResponseWriter, r *http.Request) {
	params, offset, limit, err := remote.DecodeParams(r.URL.RawQuery)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("archive query",
		zap.String("calling_ae", r.Header.Get(remote.HeaderCallingAE)),
		zap.String("params", params.String()), zap.Int("offset", offset), zap.Int("limit", limit))
	studies, err := s.executor.Page(r.Context(), params, offset, limit)
	if err != nil {
		s.respondQueryError(w, err)
		return
	}
	if !strings.Contains(r.Header.Get("Accept"), remote.NDJSONContentType) {
		if studies == nil {
			studies = []*models.Study{}
		}
		s.respondJSON(w, http.StatusOK, studies)
		return
	}
	w.Header().Set("Content-Type", remote.NDJSONContentType)
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for _, study := range studies {
		if err := enc.Encode(study); err != nil {
			s.logger.Debug("archive stream aborted", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// archiveBrowser keeps the archive cursor between requests so a client can
// step through one filter with move=first|next|previous.
type archiveBrowser struct {
	mu     sync.Mutex
	key    string
	cursor *paging.Cursor
	last   paging.Page
}

func (s *Server) handleArchivePage(w http.ResponseWriter, r *http.Request) {
	params, _, _, err := remote.DecodeParams(r.URL.RawQuery)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := intParam(params.Value("page"), 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid page")
		return
	}
	pageSize, err := intParam(params.Value("page_size"), s.config.Session.PageSize)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid page_size")
		return
	}
	move := paging.Move(params.Value("move"))
	params.Delete("page")
	params.Delete("page_size")
	params.Delete("move")

	b := &s.browse
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strconv.Itoa(pageSize) + "?" + remote.EncodeParams(params, 0, 0)
	if b.cursor == nil || b.key != key {
		b.key = key
		b.last = paging.Page{}
		b.cursor = paging.New(pageSize, func(ctx context.Context, firstRow, maxRows int) ([]*models.Study, error) {
			return s.executor.Page(ctx, params, firstRow, maxRows)
		}, paging.WithLogger(s.logger), paging.OnPageChanged(func(p paging.Page) { b.last = p }))
	}
	if move == "" {
		err = b.cursor.Goto(r.Context(), page)
	} else {
		err = b.cursor.Step(r.Context(), move)
	}
	switch {
	case errors.Is(err, paging.ErrNoNext), errors.Is(err, paging.ErrNoPrevious):
		s.respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, paging.ErrUnknownMove):
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.respondQueryError(w, err)
		return
	}
	got := b.last
	rows := got.Items
	if rows == nil {
		rows = []*models.Study{}
	}
	s.respondJSON(w, http.StatusOK, models.PageResponse{
		Page:        got.Number,
		PageSize:    b.cursor.PageSize(),
		FirstRow:    got.FirstRow,
		Rows:        rows,
		HasNext:     got.HasNext,
		HasPrevious: got.HasPrevious,
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req models.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
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
			s.respondError(w, http.StatusNotFound, "path not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := models.ImportResponse{Path: abs}
	if info.IsDir() {
		resp.Imported, err = s.importer.ImportDirectory(r.Context(), abs)
	} else if err = s.importer.ImportFile(r.Context(), abs); err == nil {
		resp.Imported = 1
	}
	if err != nil {
		resp.Error = err.Error()
		if resp.Imported == 0 {
			s.respondJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveImport(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.importer.RemoveFile(r.Context(), path); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "no instance imported from path")
			return
		}
		s.logger.Error("remove import failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": path, "status": "removed"})
}

func (s *Server) handleClearStore(w http.ResponseWriter, r *http.Request) {
	if err := s.importer.Clear(r.Context()); err != nil {
		s.logger.Error("clear failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	studies, err := s.storage.CountStudies(ctx)
	if err != nil {
		s.logger.Error("status: count studies failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	instances, err := s.storage.CountInstances(ctx)
	if err != nil {
		s.logger.Error("status: count instances failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := models.StatusResponse{Studies: studies, Instances: instances}
	resp.PendingArrived, resp.PendingDeleted = s.session.Pending()
	if g := s.session.ActiveGroup(); g != nil {
		resp.ActiveGroup = g.Names()
	}
	if s.watch != nil {
		resp.WatchDirectories = s.watch.Directories()
	}
	if s.config != nil {
		resp.DatabasePath = s.config.Storage.DatabasePath
		resp.BleveIndexPath = s.config.Storage.BleveIndexPath
		paths := append(storage.DatabaseFiles(s.config.Storage.DatabasePath), s.config.Storage.BleveIndexPath)
		if n, err := storage.DiskUsageBytes(paths...); err == nil {
			resp.DiskUsageBytes = n
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
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
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
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
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
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

// respondQueryError maps session errors to status codes.
func (s *Server) respondQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrOpenSearchNotConfirmed), errors.Is(err, models.ErrSearchInProgress):
		s.respondError(w, http.StatusConflict, err.Error())
	case models.IsConfigurationError(err):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("query failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ReportResponse converts a search report to its API shape.
func ReportResponse(report *session.Report) models.SearchResponse {
	resp := ResultResponse(report.Result)
	resp.Message = report.Message()
	if report.Outcome != nil {
		resp.ElapsedMS = report.Outcome.Elapsed.Milliseconds()
		for _, f := range report.Outcome.Failures {
			msg := f.Message()
			var se *models.SourceError
			if errors.As(f.Err, &se) && se.Err != nil {
				msg = se.Err.Error()
			}
			resp.Failures = append(resp.Failures, models.FailureInfo{Source: f.Source.Name, Error: msg})
		}
	}
	return resp
}

// ResultResponse converts a result table to its API shape.
func ResultResponse(result *results.SearchResult) models.SearchResponse {
	rows := result.Rows()
	if rows == nil {
		rows = []*models.Study{}
	}
	resp := models.SearchResponse{
		Title: result.Title,
		Rows:  rows,
		Stale: result.Stale(),
	}
	if result.Group != nil {
		resp.GroupID = result.Group.ID
		resp.Sources = result.Group.Names()
	}
	return resp
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
