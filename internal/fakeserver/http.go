package fakeserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
)

// max upload size
const maxUploadBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail answers in the {"detail": "..."} shape clients parse.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) tokenResponse(w http.ResponseWriter, userID string, username string) {
	access, refresh, err := s.issuePair(userID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Cannot issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"user_id":       userID,
		"username":      username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.lock.Lock()
	a, ok := s.accounts[body.Username]
	valid := ok && a.password == body.Password
	s.lock.Unlock()
	if !valid {
		writeDetail(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	s.tokenResponse(w, a.user.UserID, a.user.Username)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" || body.Password == "" {
		writeDetail(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	s.lock.Lock()
	_, exists := s.accounts[username]
	if !exists {
		s.addUser(username, body.Password)
	}
	s.lock.Unlock()
	if exists {
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"user_id": username,
		"message": "Registered",
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	userID, err := s.verify(body.RefreshToken, tokenRefresh)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	access, err := s.IssueToken(userID, tokenAccess, s.settings.AccessTokenTTL)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Cannot issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Missing token")
		return
	}
	userID, err := s.verify(token, tokenAccess)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	conversationID := r.FormValue("conversation_id")
	if _, ok := s.conversation(userID, conversationID); !ok {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Cannot read file")
		return
	}

	fileName := filepath.Base(header.Filename)
	s.lock.Lock()
	stored := fmt.Sprintf("%s_%s", s.newID("f"), fileName)
	s.uploads[stored] = content
	s.lock.Unlock()
	glog.V(1).Infof("[fake]stored upload %s (%d bytes)\n", stored, len(content))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"file_url":  "/uploads/" + url.PathEscape(stored),
		"file_name": fileName,
		"file_size": len(content),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.lock.Lock()
	content, ok := s.uploads[name]
	s.lock.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}
