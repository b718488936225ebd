package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server exposes the websocket signaling endpoint and the REST message
// history surface.
type Server struct {
	hub      *Hub
	store    *MessageStore
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func New(hub *Hub, store *MessageStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:   hub,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("server"),
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(s.hub, conn, s.logger.With(zap.String("remote", r.RemoteAddr)))
	go c.writePump()
	go c.readPump()
}

type historyResponse struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	SenderType  string `json:"senderType"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if s.store == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	messages, err := s.store.BySession(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to load history",
			zap.String("sessionId", sessionID),
			zap.Error(err))
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	out := make([]historyResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, historyResponse{
			ID:          m.ID,
			Text:        m.Text,
			SenderType:  m.SenderType,
			DisplayName: m.DisplayName,
			Timestamp:   m.Timestamp.UnixMilli(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("failed to write history response", zap.Error(err))
	}
}
