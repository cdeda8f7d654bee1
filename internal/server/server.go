// Package server exposes the chat controller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/chat"
	"github.com/rentguntur/project-school/internal/history"
	"github.com/rentguntur/project-school/internal/logger"
	"github.com/rentguntur/project-school/internal/metrics"
)

// ChatService is the controller surface the handlers call.
type ChatService interface {
	Chat(ctx context.Context, userID, agentID, content string) (chat.Result, error)
	HandleMessage(ctx context.Context, conversationID, userID, agentID, content string) (chat.Result, error)
	ListConversations(ctx context.Context, userID string) ([]history.Summary, error)
	History(ctx context.Context, conversationID string) (history.Conversation, []history.Message, error)
	Archive(ctx context.Context, conversationID string) error
}

type Server struct {
	chat     ChatService
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// New creates a Server. A nil gatherer disables /metrics.
func New(svc ChatService, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	return &Server{chat: svc, metrics: m, gatherer: gatherer}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/chat", func(r chi.Router) {
		r.Post("/", s.handleChat)
		r.Post("/agent", s.handleAgentChat)
		r.Get("/history/{conversationId}", s.handleHistory)
		r.Post("/conversations/{conversationId}/archive", s.handleArchive)
		r.Get("/{userId}", s.handleListConversations)
	})
	return r
}

type chatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
	AgentID        string `json:"agentId"`
	Content        string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.chat.Chat(r.Context(), req.UserID, req.AgentID, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.chat.HandleMessage(r.Context(), req.ConversationID, req.UserID, req.AgentID, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.ListConversations(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type historyResponse struct {
	Conversation history.Conversation `json:"conversation"`
	Messages     []history.Message    `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv, msgs, err := s.chat.History(r.Context(), chi.URLParam(r, "conversationId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Conversation: conv, Messages: msgs})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationId")
	if err := s.chat.Archive(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": id, "status": string(history.StatusArchived)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, apperr.Validation("server.decode", "invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("failed to write response", "error", err)
	}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.L.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.L.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
