package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Busy    int    `json:"busy"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Stats()
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Workers: st.Workers, Busy: st.Busy})
}
