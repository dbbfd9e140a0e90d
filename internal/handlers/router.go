package handlers

import (
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/pliu/duet/internal/middleware"
)

// Router holds every handler the server exposes.
type Router struct {
	Auth   *AuthHandler
	Chat   *ChatHandler
	Health *HealthHandler
	// Websocket serves /ws/chat/{user_id}.
	Websocket http.HandlerFunc
	Tokens    middleware.TokenValidator
	Log       *slog.Logger
}

func (rt *Router) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer, middleware.LoggingMiddleware(rt.Log))

	// API Endpoints
	r.HandleFunc("/signup", rt.Auth.Signup).Methods("POST")
	r.HandleFunc("/login", rt.Auth.Login).Methods("POST")
	r.HandleFunc("/logout", rt.Auth.Logout).Methods("POST")
	r.HandleFunc("/health", rt.Health.Health).Methods("GET")

	authed := r.NewRoute().Subrouter()
	authed.Use(middleware.AuthMiddleware(rt.Tokens))
	authed.HandleFunc("/users", rt.Chat.ListUsers).Methods("GET")
	authed.HandleFunc("/chats/{user_id:[0-9]+}/messages", rt.Chat.GetChatMessages).Methods("GET")

	// WebSocket Endpoint
	authed.HandleFunc("/ws/chat/{user_id:[0-9]+}", rt.Websocket).Methods("GET")

	return r
}
