// Package api exposes the council engine over HTTP: conversation CRUD,
// turn streaming as Server-Sent Events, and runtime configuration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/opencouncil/councild/internal/config"
	"github.com/opencouncil/councild/internal/council"
	"github.com/opencouncil/councild/internal/engine"
	"github.com/opencouncil/councild/internal/transcript"
)

// ModelLister lists the models a provider can serve. council.Service
// implements it.
type ModelLister interface {
	AvailableModels(ctx context.Context, provider string) ([]string, error)
}

// Server is the HTTP server that exposes the council engine.
type Server struct {
	engine   *engine.Engine
	models   ModelLister
	settings *config.SettingsStore
	http     *http.Server
}

// NewServer creates a Server over the engine, model lister and settings.
func NewServer(eng *engine.Engine, models ModelLister, settings *config.SettingsStore) *Server {
	return &Server{engine: eng, models: models, settings: settings}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/conversations", s.handleList)
	mux.HandleFunc("POST /api/conversations", s.handleCreate)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDelete)

	mux.HandleFunc("POST /api/conversations/{id}/messages/stream", s.handleSend)
	mux.HandleFunc("POST /api/conversations/{id}/retry/stream", s.handleRetry)
	mux.HandleFunc("POST /api/conversations/{id}/edit/stream", s.handleEdit)
	mux.HandleFunc("GET /api/conversations/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)

	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("api: serve: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.engine.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summaries == nil {
		summaries = []council.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.Create(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	conv, err := s.engine.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// sendRequest is the body of the message, retry and edit stream endpoints.
// Retry ignores Content; edit additionally requires TurnIndex.
type sendRequest struct {
	Content    string `json:"content"`
	ReplyTo    string `json:"reply_to,omitempty"`
	TurnIndex  *int   `json:"turn_index,omitempty"`
	Provider   string `json:"provider,omitempty"`
	SkipStages bool   `json:"skip_stages,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	opts := engine.SendOptions{Provider: req.Provider, SkipStages: req.SkipStages}
	s.streamTurn(w, r, func() (*engine.TurnHandle, error) {
		return s.engine.Send(r.Context(), r.PathValue("id"), req.Content, req.ReplyTo, opts)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	opts := engine.SendOptions{Provider: req.Provider, SkipStages: req.SkipStages}
	s.streamTurn(w, r, func() (*engine.TurnHandle, error) {
		return s.engine.Retry(r.Context(), r.PathValue("id"), opts)
	})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.TurnIndex == nil {
		writeError(w, http.StatusBadRequest, "turn_index is required")
		return
	}

	opts := engine.SendOptions{Provider: req.Provider, SkipStages: req.SkipStages}
	s.streamTurn(w, r, func() (*engine.TurnHandle, error) {
		return s.engine.EditAndResubmit(r.Context(), r.PathValue("id"), *req.TurnIndex, req.Content, opts)
	})
}

// streamTurn starts a turn and relays its events as SSE until the terminal
// event. A client that disconnects mid-stream only detaches its tap; the
// turn keeps running in the background.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, start func() (*engine.TurnHandle, error)) {
	handle, err := start()
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTurnInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrNothingToRetry):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, transcript.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer handle.Close()

	s.relayEvents(w, r, handle.Events)
}

// handleEvents re-attaches a client to a turn already streaming in the
// background. When no turn is live the client falls back to a plain GET of
// the conversation.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel, ok := s.engine.Watch(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no turn in progress")
		return
	}
	defer cancel()

	s.relayEvents(w, r, events)
}

func (s *Server) relayEvents(w http.ResponseWriter, r *http.Request, events <-chan council.Event) {
	sw := NewSSEWriter(w)
	sw.Init()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sw.WriteEvent(ev); err != nil {
				return
			}
			if ev.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.models.AvailableModels(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider      *string  `json:"provider,omitempty"`
		CouncilModels []string `json:"council_models,omitempty"`
		ChairmanModel *string  `json:"chairman_model,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Provider != nil {
		if err := s.settings.SetProvider(*req.Provider); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.CouncilModels != nil {
		if err := s.settings.SetCouncilModels(req.CouncilModels); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if req.ChairmanModel != nil {
		if err := s.settings.SetChairmanModel(*req.ChairmanModel); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, transcript.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
