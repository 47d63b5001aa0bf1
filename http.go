package vigil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/cloudevents/sdk-go/v2/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CloudEvents extension attributes read by the /events ingress.
const (
	ExtInstanceID = "instanceid"
	ExtAccountID  = "accountid"
	ExtWorkflowID = "workflowid"
	ExtVersionID  = "versionid"
)

// Handler returns the HTTP API of the App.
//
// Example with an existing chi router:
//
//	r := chi.NewRouter()
//	r.Mount("/vigil", app.Handler())
//	http.ListenAndServe(":8080", r)
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health/live", a.handleLiveness)
	r.Get("/health/ready", a.handleReadiness)
	r.Post("/events", a.handleCloudEvent)

	r.Route("/instances/{instanceID}", func(r chi.Router) {
		r.Post("/init", a.handleInit)
		r.Get("/status", a.handleGetStatus)
		r.Put("/status", a.handleSetStatus)
		r.Get("/logs", a.handleReadLogs)
		r.Post("/abort", a.handleAbort)
		r.Post("/terminate", a.handleTerminate)
	})
	return r
}

// ListenAndServe serves Handler on addr until ctx is done.
func (a *App) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			slog.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondEngineError maps engine errors to HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInstanceNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrWorkflowNotRegistered):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotStarted):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *App) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !a.Ready() {
		respondError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type initBody struct {
	AccountID string          `json:"accountId"`
	Workflow  Workflow        `json:"workflow"`
	Version   Version         `json:"version"`
	Event     json.RawMessage `json:"event"`
}

func (a *App) handleInit(w http.ResponseWriter, r *http.Request) {
	var body initBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Workflow.ID == "" {
		respondError(w, http.StatusBadRequest, "workflow.id is required")
		return
	}

	res, err := a.Init(r.Context(), chi.URLParam(r, "instanceID"), InitRequest{
		AccountID: body.AccountID,
		Workflow:  body.Workflow,
		Version:   body.Version,
		Event:     body.Event,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type statusBody struct {
	AccountID string `json:"accountId,omitempty"`
	Status    Status `json:"status"`
}

func (a *App) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.GetStatus(r.Context(), r.URL.Query().Get("accountId"), chi.URLParam(r, "instanceID"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusBody{Status: st})
}

func (a *App) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := a.SetStatus(r.Context(), body.AccountID, chi.URLParam(r, "instanceID"), body.Status); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusBody{Status: body.Status})
}

func (a *App) handleReadLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.ReadLogs(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if logs == nil {
		logs = []LogEntry{}
	}
	respondJSON(w, http.StatusOK, logs)
}

func (a *App) handleAbort(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "aborted"
	}
	if err := a.Abort(r.Context(), chi.URLParam(r, "instanceID"), body.Reason); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (a *App) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if err := a.UserTriggeredTerminate(r.Context(), chi.URLParam(r, "instanceID")); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// handleCloudEvent starts the instance named by the event's instanceid
// extension with the event data as its triggering payload. The run happens
// in the background.
func (a *App) handleCloudEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := cehttp.NewEventFromHTTPRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid CloudEvent: "+err.Error())
		return
	}

	ext := ev.Extensions()
	attr := func(name string) string {
		v, ok := ext[name]
		if !ok {
			return ""
		}
		s, err := types.ToString(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return s
	}
	instanceID, workflowID := attr(ExtInstanceID), attr(ExtWorkflowID)
	if instanceID == "" || workflowID == "" {
		respondError(w, http.StatusBadRequest, "missing extension: instanceid and workflowid are required")
		return
	}

	req := InitRequest{
		AccountID: attr(ExtAccountID),
		Workflow:  Workflow{ID: workflowID, Name: workflowID},
		Version:   Version{ID: attr(ExtVersionID), WorkflowID: workflowID},
	}
	if data := ev.Data(); len(data) > 0 {
		if !json.Valid(data) {
			respondError(w, http.StatusBadRequest, "event data must be JSON")
			return
		}
		req.Event = json.RawMessage(data)
	}

	ok := a.spawn(func(ctx context.Context) {
		if _, err := a.Init(ctx, instanceID, req); err != nil {
			slog.Error("failed to init instance from event",
				"instance_id", instanceID, "event_id", ev.ID(), "event_type", ev.Type(), "error", err)
		}
	})
	if !ok {
		respondError(w, http.StatusServiceUnavailable, ErrNotStarted.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, InitResult{ID: instanceID})
}
