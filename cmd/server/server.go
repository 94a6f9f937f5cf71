package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"projectlens/internal/app"
	"projectlens/internal/config"
	"projectlens/internal/domain"
	"projectlens/internal/pipeline"
)

// Server holds all shared state.
type Server struct {
	app *app.App

	mu  sync.RWMutex // guards cfg provider settings
	cfg *config.Config

	ingestStatus *IngestStatus
	hub          *progressHub
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

func newServer(cfg *config.Config) *Server {
	return &Server{
		cfg:          cfg,
		ingestStatus: newIngestStatus(),
		hub:          newProgressHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default().With("component", "server"),
	}
}

// onProgress is the pipeline progress callback.
func (s *Server) onProgress(ev pipeline.Event) {
	s.ingestStatus.record(ev)
	s.hub.broadcast(ev)
}

// ----- Request / Response types -----

type SearchRequest struct {
	Query  string        `json:"query"`
	Filter domain.Filter `json:"filter,omitempty"`
	TopK   int           `json:"top_k,omitempty"`
}

type AnswerRequest struct {
	Question string        `json:"question"`
	Filter   domain.Filter `json:"filter,omitempty"`
	Provider string        `json:"provider,omitempty"`
	Model    string        `json:"model,omitempty"`
}

type BatchRequest struct {
	Questions []string      `json:"questions"`
	Filter    domain.Filter `json:"filter,omitempty"`
}

type StatsResponse struct {
	Documents  int            `json:"documents"`
	Chunks     int            `json:"chunks"`
	ByStatus   map[string]int `json:"by_status"`
	Projects   int            `json:"projects"`
	Providers  []string       `json:"providers"`
	DefaultLLM string         `json:"default_llm"`
	OCR        bool           `json:"ocr"`
}

// ========== Middleware ==========

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ========== Helpers ==========

// errStatus maps an error to the HTTP status shown to clients.
func errStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrExtractionInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrProjectConflict):
		return http.StatusConflict
	}
	if domain.Reason(err) == domain.ReasonUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func jsonResp(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jsonStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}

// jsonFail writes err with its mapped status and reason code.
func jsonFail(w http.ResponseWriter, err error) {
	jsonStatus(w, errStatus(err), map[string]string{
		"error":  err.Error(),
		"reason": domain.Reason(err),
	})
}
