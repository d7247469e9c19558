package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/danshapiro/statflow/internal/analysis"
	"github.com/danshapiro/statflow/internal/dataset"
	"github.com/danshapiro/statflow/internal/engine"
	"github.com/danshapiro/statflow/internal/workflow"
)

// validSessionID matches ULIDs and other safe identifiers.
var validSessionID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

const maxDatasetBytes = 64 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"sessions":     len(s.registry.List()),
		"engine_state": st.State,
	})
}

// --- Engine ---

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleEngineAcquire starts the engine if needed and blocks until it is
// ready or startup fails.
func (s *Server) handleEngineAcquire(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.Acquire(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handle_id":          h.ID(),
		"ready_at":           h.ReadyAt(),
		"missing_extensions": h.MissingExtensions(),
	})
}

// handleEngineWait waits, boundedly, for someone else to bring the engine up.
func (s *Server) handleEngineWait(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.WaitReady(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handle_id": h.ID(),
		"ready_at":  h.ReadyAt(),
	})
}

func (s *Server) handleEngineEvents(w http.ResponseWriter, r *http.Request) {
	events, unsub := s.engine.Subscribe()
	defer unsub()
	writeSSE(r.Context(), w, events)
}

func (s *Server) handleListProcedures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, analysis.Procedures())
}

// --- Sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id != "" && !validSessionID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "session_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	o, err := s.registry.Create(id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Printf("session %s created", o.ID())
	writeJSON(w, http.StatusCreated, o.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validSessionID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := s.registry.Remove(id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Printf("session %s deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := o.Reset(); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

// handlePutDataset accepts text/csv or the JSON column form.
func (s *Server) handlePutDataset(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxDatasetBytes)
	var (
		ds  *dataset.Dataset
		err error
	)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "text/csv":
		ds, err = dataset.ReadCSV(body)
	default:
		ds = &dataset.Dataset{}
		err = json.NewDecoder(body).Decode(ds)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dataset: %v", err))
		return
	}
	if err := o.LoadDataset(ds); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dataset: %v", err))
		return
	}
	s.logger.Printf("session %s: dataset loaded (%d rows, %d columns)", o.ID(), ds.Rows(), len(ds.Columns))
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	cols, err := o.Profile()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := ProfileResponse{Columns: cols}
	if len(cols) > 0 {
		resp.Rows = cols[0].Count + cols[0].Missing
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	var req NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	st, err := workflow.ParseStage(req.Stage)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := o.Navigate(st); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

// handlePrefill returns suggested inputs for ?stage=, defaulting to the
// session's current stage.
func (s *Server) handlePrefill(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	st := o.Stage()
	if q := r.URL.Query().Get("stage"); q != "" {
		parsed, err := workflow.ParseStage(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		st = parsed
	}
	writeJSON(w, http.StatusOK, o.Prefill(st))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	var req RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	p, err := analysis.ParseProcedure(req.Procedure)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	res, err := o.Run(r.Context(), p, req.Inputs)
	if err != nil {
		s.logger.Printf("session %s: %s failed: %v", o.ID(), p, err)
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	d, err := o.Offer()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	o, ok := s.session(w, r)
	if !ok {
		return
	}
	l, err := o.Promote()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PromoteResponse{Stage: o.Stage(), Lineage: l})
}

// --- Helpers ---

// session resolves the {id} path value, writing the error response itself
// when the session cannot be served.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*workflow.Orchestrator, bool) {
	id := r.PathValue("id")
	if !validSessionID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	o, err := s.registry.Get(id)
	if err != nil {
		s.writeFailure(w, err)
		return nil, false
	}
	return o, true
}

// writeFailure maps domain errors onto HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var (
		scriptErr  *analysis.ScriptExecutionError
		initErr    *engine.InitError
		timeoutErr *engine.TimeoutError
	)
	switch {
	case errors.As(err, &scriptErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:       err.Error(),
			Kind:        string(scriptErr.Kind),
			Remediation: scriptErr.Remediation(),
		})
	case errors.As(err, &timeoutErr):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &initErr):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   err.Error(),
			Details: fmt.Sprintf("engine failed to start after %d attempts", initErr.Attempts),
		})
	case errors.Is(err, errSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, analysis.ErrInvalidInputs),
		errors.Is(err, workflow.ErrNoDataset):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrStageLocked),
		errors.Is(err, workflow.ErrWrongStage),
		errors.Is(err, workflow.ErrNotEligible),
		errors.Is(err, workflow.ErrNoResult):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeOptionalJSON decodes the body into v, treating an empty body as {}.
func decodeOptionalJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
