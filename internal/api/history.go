package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/store"
)

type listHistoryResponse struct {
	Items []model.HistoryItem `json:"items"`
}

type clearHistoryResponse struct {
	Deleted int `json:"deleted"`
}

// handleListHistory returns history newest first. ?refresh=1 reloads it from
// durable storage and ?limit=n truncates the listing.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") != "" {
		if err := s.jobs.LoadHistory(r.Context()); err != nil {
			s.logger.Error("reload history", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load history")
			return
		}
	}
	items := s.jobs.History()
	if limit := parseIntQuery(r, "limit", 0); limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	if items == nil {
		items = []model.HistoryItem{}
	}
	s.writeJSON(w, http.StatusOK, listHistoryResponse{Items: items})
}

func (s *Server) handleGetHistoryResult(w http.ResponseWriter, r *http.Request) {
	item, err := s.jobs.HistoryItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "history item not found")
		return
	}
	if err != nil {
		s.logger.Error("get history item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get history item")
		return
	}

	ct := mime.TypeByExtension(filepath.Ext(item.FileName))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(item.Result)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": item.FileName}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(item.Result); err != nil {
		s.logger.Debug("write history result", "error", err)
	}
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.RemoveFromHistory(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.logger.Error("remove history item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove history item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.ClearHistory(r.Context())
	if err != nil {
		s.logger.Error("clear history", "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to clear history: %d removed", n))
		return
	}
	s.writeJSON(w, http.StatusOK, clearHistoryResponse{Deleted: n})
}
