package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"stageflow/engine"
	"stageflow/storage"
	"stageflow/types"
)

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	var sf storeFlags
	sf.register(fs)
	fs.Parse(args)

	eng, err := sf.buildEngine()
	if err != nil {
		return err
	}

	api := &apiServer{engine: eng, flags: &sf}
	sf.logger().Info("listening", "addr", *addr)
	return http.ListenAndServe(*addr, api.router())
}

type apiServer struct {
	engine *engine.Engine
	flags  *storeFlags
}

func (s *apiServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Post("/runs", s.handleExecute)
	r.Get("/runs", s.handleList)
	r.Get("/runs/{id}", s.handleGet)
	r.Post("/runs/resume", s.handleResume)
	r.Get("/approvals/{token}", s.handleApprovalPreview)
	return r
}

// requestID tags each request with an id for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type executeRequest struct {
	Pipeline types.Definition `json:"pipeline"`
	Inline   string           `json:"inline,omitempty"`
	Vars     map[string]any   `json:"vars,omitempty"`
}

func (s *apiServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	def := req.Pipeline
	if req.Inline != "" {
		parsed, err := types.ParseInline(req.Inline)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		def = parsed
	}

	run, err := s.engine.Execute(r.Context(), def, req.Vars)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, report(run))
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.engine.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]runReport, len(runs))
	for i := range runs {
		out[i] = report(&runs[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report(&run))
}

type resumeRequest struct {
	Token   string `json:"token"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	run, err := s.engine.Resume(r.Context(), req.Token, req.Approve, req.Reason)
	if errors.Is(err, engine.ErrInvalidToken) {
		writeError(w, http.StatusConflict, err)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report(run))
}

// handleApprovalPreview shows the prompt and data snapshot for a pending
// token, so approval UIs can render the decision without resolving it.
func (s *apiServer) handleApprovalPreview(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.FindPendingRun(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":    run.ID,
		"pipeline": run.PipelineName,
		"prompt":   run.Prompt,
		"data":     run.ApprovalData,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
