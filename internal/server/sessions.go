package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/export"
	"github.com/hyperjump/medvision/internal/keyword"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *Server) indexSession(r *http.Request, sess *models.Session) {
	if s.Index == nil {
		return
	}
	if err := s.Index.Index(r.Context(), sess); err != nil {
		s.logger.Warn("failed to index session", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.Storage.ListSessions(ctx, offset, limit)
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.Storage.CountSessions(ctx)
	if err != nil {
		s.logger.Error("count sessions failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*models.SessionSummary{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.Storage.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session failed", zap.String("session_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete session request", zap.String("session_id", id))
	if err := s.Storage.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			s.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("delete session failed", zap.String("session_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Images.Remove(id); err != nil {
		s.logger.Warn("failed to remove session directory", zap.String("session_id", id), zap.Error(err))
	}
	if s.Index != nil {
		if err := s.Index.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to remove session from index", zap.String("session_id", id), zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "deleted"})
}

type searchHit struct {
	*models.SessionSummary
	Score float64 `json:"score"`
}

func (s *Server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	if s.Index == nil {
		s.respondError(w, http.StatusNotImplemented, "search not enabled")
		return
	}
	ctx := r.Context()
	q := r.URL.Query().Get("q")
	if q == "" {
		s.respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	var opts *keyword.SearchOptions
	if fuzzy, _ := strconv.ParseBool(r.URL.Query().Get("fuzzy")); fuzzy {
		opts = &keyword.SearchOptions{Fuzzy: true, Fuzziness: queryInt(r, "fuzziness", 0)}
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	results, err := s.Index.Search(ctx, q, limit, opts)
	if err != nil {
		s.logger.Error("search failed", zap.String("query", q), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		sess, err := s.Storage.GetSession(ctx, res.ID)
		if err != nil {
			// Index entries can outlive rows deleted outside the API.
			s.logger.Debug("search hit without session", zap.String("session_id", res.ID), zap.Error(err))
			continue
		}
		hits = append(hits, searchHit{SessionSummary: summarize(sess), Score: res.Score})
	}
	resp := map[string]interface{}{
		"query":   q,
		"results": hits,
	}
	if suggestion, err := s.Index.Suggest(q); err == nil && suggestion != "" {
		resp["suggestion"] = suggestion
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Storage.AllSessions(r.Context())
	if err != nil {
		s.logger.Error("export: load sessions failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := export.WriteSessionsXLSX(&buf, sessions); err != nil {
		s.logger.Error("export failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="sessions.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := s.Storage.CountSessions(ctx)
	if err != nil {
		s.logger.Error("status: count sessions failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"sessions":   count,
		"max_images": s.Batch.MaxImages(),
	}
	info, loaded := s.Batch.Loaded()
	resp["model_loaded"] = loaded
	if loaded {
		resp["model"] = info
	}
	if s.Reports != nil {
		resp["report_provider"] = s.Reports.Name()
	}
	if s.Index != nil {
		if n, err := s.Index.DocCount(); err == nil {
			resp["indexed_sessions"] = n
		}
	}
	st := s.config.Storage
	if usage, err := storage.DiskUsage(st.DatabasePath, st.SessionsDir, st.BleveIndexPath); err == nil {
		resp["disk_usage_bytes"] = usage.Bytes
		resp["disk_usage_files"] = usage.Files
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func summarize(sess *models.Session) *models.SessionSummary {
	return &models.SessionSummary{
		ID:         sess.ID,
		Patient:    sess.Patient,
		ExamType:   sess.ExamType,
		Status:     sess.Status,
		ImageCount: len(sess.ImagePaths),
		CreatedAt:  sess.CreatedAt,
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
