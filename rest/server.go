// Package rest exposes the wizard engine over HTTP.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/songzhibin97/wizard-engine/conversation"
	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/prospect"
	"github.com/songzhibin97/wizard-engine/steps"
	"github.com/songzhibin97/wizard-engine/storage"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/songzhibin97/wizard-engine/wizard"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	engine   *wizard.Engine
	searcher prospect.Searcher
	revealer *prospect.Revealer
	docs     storage.Documents
}

type Option func(*Server)

// WithSearcher enables /prospects/search.
func WithSearcher(s prospect.Searcher) Option {
	return func(srv *Server) {
		srv.searcher = s
	}
}

// WithRevealer enables /prospects/{id}/reveal.
func WithRevealer(r *prospect.Revealer) Option {
	return func(srv *Server) {
		srv.revealer = r
	}
}

// WithDocuments enables the list and document routes.
func WithDocuments(d storage.Documents) Option {
	return func(srv *Server) {
		srv.docs = d
	}
}

func NewServer(addr string, engine *wizard.Engine, opts ...Option) *Server {
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	router.HandleFunc("/sessions", s.HandleStartSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}", s.HandleGetSession).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}", s.HandleDiscardSession).Methods(http.MethodDelete)
	router.HandleFunc("/sessions/{id}/next", s.HandleNext).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/back", s.HandleBack).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/jump", s.HandleJump).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/restart", s.HandleRestartSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/fields", s.HandleSetField).Methods(http.MethodPut)
	router.HandleFunc("/sessions/{id}/variant", s.HandleSetVariant).Methods(http.MethodPut)
	router.HandleFunc("/sessions/{id}/steps", s.HandleStepStatus).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/actions", s.HandleRunAction).Methods(http.MethodPost)
	router.HandleFunc("/flows/{variant}/steps", s.HandleFlowSteps).Methods(http.MethodGet)

	router.HandleFunc("/conversations", s.HandleStartConversation).Methods(http.MethodPost)
	router.HandleFunc("/conversations/{id}", s.HandleGetConversation).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}/messages", s.HandleConverse).Methods(http.MethodPost)
	router.HandleFunc("/conversations/{id}/restart", s.HandleRestartConversation).Methods(http.MethodPost)

	router.HandleFunc("/prospects/search", s.HandleSearch).Methods(http.MethodPost)
	router.HandleFunc("/prospects/{id}/reveal", s.HandleReveal).Methods(http.MethodPost)
	router.HandleFunc("/lists", s.HandleCreateList).Methods(http.MethodPost)
	router.HandleFunc("/lists", s.HandleLists).Methods(http.MethodGet)
	router.HandleFunc("/lists/{id}", s.HandleGetList).Methods(http.MethodGet)
	router.HandleFunc("/lists/{id}/contacts", s.HandleMergeContacts).Methods(http.MethodPost)
	router.HandleFunc("/documents/{id}", s.HandleGetDocument).Methods(http.MethodGet)

	router.Handle("/metrics", engine.Metrics().Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondOK(w, "ok")
	}).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s
}

func (s *Server) Start() error {
	logger.Info("starting http server", zap.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info(r.RequestURI,
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		code = http.StatusInternalServerError
		response = []byte(`{"error":"failed to encode response"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, message string) {
	respondWithJSON(w, http.StatusOK, map[string]string{"message": message})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// failureResponse is the body returned when an external collaborator failed.
type failureResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
	Record    string `json:"record,omitempty"`
}

func gatewayFailure(err error) (failureResponse, bool) {
	f, ok := gateway.AsFailure(err)
	if !ok {
		return failureResponse{}, false
	}
	return failureResponse{
		Error:     f.Message,
		Kind:      string(f.Kind),
		Reason:    string(f.Reason),
		Retryable: f.Retryable(),
	}, true
}

// gatewayError classifies a collaborator error the way action failures are.
func gatewayError(kind string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return gateway.Classify(types.ActionKind(kind), err)
}

// respondWithErr maps engine errors to status codes.
func respondWithErr(w http.ResponseWriter, err error) {
	if f, ok := gatewayFailure(err); ok {
		respondWithJSON(w, http.StatusBadGateway, f)
		return
	}

	switch {
	case errors.Is(err, wizard.ErrSessionNotFound),
		errors.Is(err, wizard.ErrConversationNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrListNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, wizard.ErrStaleResult),
		errors.Is(err, conversation.ErrStaleResult),
		errors.Is(err, conversation.ErrBusy),
		errors.Is(err, storage.ErrListExists):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrUnknownFlow),
		errors.Is(err, conversation.ErrEmptyInput),
		errors.Is(err, steps.ErrUnknownVariant),
		errors.Is(err, prospect.ErrInvalidField),
		errors.Is(err, storage.ErrInvalidID):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		respondWithError(w, http.StatusRequestTimeout, err.Error())
	default:
		logger.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
