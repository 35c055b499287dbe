// Package transport implements the wire-facing HTTP API: a thin,
// JSON/base64 envelope over the Group Ledger, routed with go-chi/chi/v5
// and answering with {"data": ...}/{"error": {"code","message"}}
// envelopes.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/skychat/skychatd/internal/ledger"
	"github.com/skychat/skychatd/internal/middleware"
)

// Server wires the Group Ledger behind the spec's fixed HTTP API.
type Server struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewServer constructs a Server bound to the given Ledger.
func NewServer(l *ledger.Ledger, logger *slog.Logger) *Server {
	return &Server{ledger: l, logger: logger}
}

// Router builds the chi router for this server.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.TracingLogger(s.logger))
	r.Use(corsMiddleware(corsOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)
		r.Get("/list_users", s.handleListUsers)
		r.Post("/get_user_keys", s.handleGetUserKeys)
		r.Post("/create_group", s.handleCreateGroup)
		r.Post("/invite_user", s.handleInviteUser)
		r.Post("/accept_invite", s.handleAcceptInvite)
		r.Post("/send_message", s.handleSendMessage)
		r.Post("/get_new_messages", s.handleGetNewMessages)
		r.Post("/group_index", s.handleGroupIndex)
	})

	return r
}

// corsMiddleware applies a minimal allow-list CORS policy; "*" allows any
// origin, matching the default in config.HTTPConfig.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiError is the envelope for a failed request.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": apiError{Code: code, Message: message}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return false
	}
	return true
}
