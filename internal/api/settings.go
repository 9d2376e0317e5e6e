package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/quire/internal/store"
)

type settingBody struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.jobs.GetSetting(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "setting not found")
		return
	}
	if err != nil {
		s.logger.Error("get setting", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get setting")
		return
	}
	s.writeJSON(w, http.StatusOK, settingBody{Key: key, Value: v})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var body settingBody
	r.Body = http.MaxBytesReader(w, r.Body, maxSmallBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	key := chi.URLParam(r, "key")
	if err := s.jobs.SaveSetting(r.Context(), key, body.Value); err != nil {
		s.logger.Error("save setting", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save setting")
		return
	}
	s.writeJSON(w, http.StatusOK, settingBody{Key: key, Value: body.Value})
}

func (s *Server) handleGetStorage(w http.ResponseWriter, r *http.Request) {
	est, err := s.jobs.StorageEstimate(r.Context())
	if err != nil {
		s.logger.Error("storage estimate", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to estimate storage")
		return
	}
	s.writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleGetPool(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.Stats())
}
