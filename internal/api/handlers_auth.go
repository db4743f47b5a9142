package api

import (
	"net/http"
)

type loginRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := s.deps.Auth.Login(r.Context(), req.APIKey); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.Logout(); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
}

func (s *Server) handlePrefs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prefs == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"authenticated": s.deps.Auth.IsAuthenticated()})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Prefs.Snapshot())
}
