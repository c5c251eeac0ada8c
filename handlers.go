package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Sohankurane/Real-time-Canvas-App/auth"
	"github.com/Sohankurane/Real-time-Canvas-App/domain"
	"github.com/Sohankurane/Real-time-Canvas-App/hub"
	"github.com/Sohankurane/Real-time-Canvas-App/store"
)

type server struct {
	cfg    config
	store  *store.Postgres
	tokens *auth.Manager
	hub    *hub.Hub
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// requireUser verifies the bearer credential on a REST request.
func (s *server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	username, err := s.tokens.Verify(bearerToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			writeError(w, http.StatusUnauthorized, "Authentication required")
		} else {
			writeError(w, http.StatusUnauthorized, "Invalid token")
		}
		return "", false
	}
	return username, true
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FullName string `json:"full_name"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not register user")
		return
	}

	err = s.store.CreateUser(r.Context(), req.FullName, req.Username, hash)
	if errors.Is(err, store.ErrUserExists) {
		writeError(w, http.StatusBadRequest, "Username already registered")
		return
	}
	if err != nil {
		slog.Error("user create failed", "user", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "could not register user")
		return
	}

	slog.Info("user registered", "user", req.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.UserByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("user lookup failed", "user", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil || !auth.CheckPassword(user.HashedPassword, req.Password) {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	token, err := s.tokens.Issue(user.Username)
	if err != nil {
		slog.Error("token issue failed", "user", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		slog.Error("room list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list rooms")
		return
	}
	if rooms == nil {
		rooms = []domain.RoomInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	username, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Room string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Room == "" {
		writeError(w, http.StatusBadRequest, "room name is required")
		return
	}

	err := s.store.CreateRoom(r.Context(), req.Room, username)
	if errors.Is(err, store.ErrRoomExists) {
		writeError(w, http.StatusBadRequest, "Room already exists")
		return
	}
	if err != nil {
		slog.Error("room create failed", "room", req.Room, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create room")
		return
	}

	slog.Info("room created", "room", req.Room, "admin", username)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"room":    req.Room,
		"admin":   username,
	})
}

func (s *server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	username, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	admin, exists, err := s.store.RoomAdmin(r.Context(), name)
	if err != nil {
		slog.Error("room lookup failed", "room", name, "error", err)
		writeError(w, http.StatusInternalServerError, "could not delete room")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if !domain.SameIdentity(admin, username) {
		writeError(w, http.StatusForbidden, "Only admin can delete room")
		return
	}

	s.hub.Broadcast(r.Context(), name, domain.InfoMessage("Room deleted by admin."))
	s.hub.DeleteRoom(r.Context(), name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "detail": "Room deleted"})
}

func (s *server) handleRoomChat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := s.cfg.ChatHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	messages, err := s.store.ListChat(r.Context(), name, limit)
	if err != nil {
		slog.Error("chat list failed", "room", name, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load chat history")
		return
	}
	if messages == nil {
		messages = []domain.ChatRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statsHandler(rooms *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomCount, clientCount := rooms.Stats()
		writeJSON(w, http.StatusOK, map[string]int{"rooms": roomCount, "clients": clientCount})
	}
}
