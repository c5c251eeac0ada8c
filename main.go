package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/Sohankurane/Real-time-Canvas-App/auth"
	"github.com/Sohankurane/Real-time-Canvas-App/hub"
	"github.com/Sohankurane/Real-time-Canvas-App/protocol"
	"github.com/Sohankurane/Real-time-Canvas-App/store"
	ws "github.com/Sohankurane/Real-time-Canvas-App/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	setupLogger()

	cfg := loadConfig()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("database error", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(cfg.MigrationsDir); err != nil {
		slog.Error("migration error", "error", err)
		os.Exit(1)
	}

	tokens := auth.NewManager(cfg.SecretKey, cfg.TokenTTL)
	rooms := hub.New(db, cfg.HistoryCapacity)
	handler := protocol.NewHandler(rooms, db)
	api := &server{cfg: cfg, store: db, tokens: tokens, hub: rooms}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{room}", wsHandler(tokens, rooms, handler))
	mux.HandleFunc("POST /auth/register", api.handleRegister)
	mux.HandleFunc("POST /auth/login", api.handleLogin)
	mux.HandleFunc("GET /rooms", api.handleListRooms)
	mux.HandleFunc("POST /rooms", api.handleCreateRoom)
	mux.HandleFunc("DELETE /rooms/{name}", api.handleDeleteRoom)
	mux.HandleFunc("GET /rooms/{name}/chat", api.handleRoomChat)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /stats", statsHandler(rooms))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// bearerToken pulls the credential from the token query parameter or
// the Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token := r.Header.Get("Authorization")
	return strings.TrimPrefix(token, "Bearer ")
}

func wsHandler(tokens *auth.Manager, rooms *hub.Hub, handler *protocol.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := r.PathValue("room")
		token := bearerToken(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		username, err := tokens.Verify(token)
		if err != nil {
			slog.Warn("handshake rejected", "room", room, "error", err)
			msg := websocket.FormatCloseMessage(auth.CloseCode(err), err.Error())
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), room, username, conn, rooms, handler)
		wsConn.Start(context.Background())
	}
}
