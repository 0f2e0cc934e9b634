package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/history"
	"github.com/aristath/deployer/internal/target"
)

// maxParamsBody bounds the JSON params accepted by deploy endpoints
const maxParamsBody = 1 << 20

// HistoryReader is the read side of the deployment history
type HistoryReader interface {
	List(ctx context.Context, targetID string, limit int) ([]deployment.Record, error)
	Stats(ctx context.Context, targetID string) (history.Stats, error)
}

// TargetHandlers handles target and deployment endpoints
type TargetHandlers struct {
	targets *target.Service
	history HistoryReader
	log     zerolog.Logger
}

// NewTargetHandlers creates new target handlers
func NewTargetHandlers(targets *target.Service, history HistoryReader, log zerolog.Logger) *TargetHandlers {
	return &TargetHandlers{
		targets: targets,
		history: history,
		log:     log.With().Str("component", "target_handlers").Logger(),
	}
}

// RegisterRoutes registers target routes
func (h *TargetHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/target", func(r chi.Router) {
		r.Get("/get-all", h.HandleGetAll)
		r.Get("/get/{env}/{site}", h.HandleGet)
		r.Post("/deploy/{env}/{site}", h.HandleDeploy)
		r.Post("/deploy-all", h.HandleDeployAll)
		r.Post("/delete/{env}/{site}", h.HandleDelete)

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/get-pending/{env}/{site}", h.HandleGetPending)
			r.Get("/get-current/{env}/{site}", h.HandleGetCurrent)
			r.Get("/get-all/{env}/{site}", h.HandleGetDeployments)
			r.Get("/stats/{env}/{site}", h.HandleGetStats)
		})
	})
}

// HandleGetAll lists every target
func (h *TargetHandlers) HandleGetAll(w http.ResponseWriter, r *http.Request) {
	targets := h.targets.List()
	out := make([]target.Record, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.Record())
	}
	writeJSON(w, h.log, http.StatusOK, out)
}

// HandleGet returns one target
func (h *TargetHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.target(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, t.Record())
}

// HandleDeploy queues a deployment. The optional JSON body holds deployment params;
// ?wait=true blocks until the deployment has finished.
func (h *TargetHandlers) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	t, err := h.target(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	params, wait, err := deployRequest(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info().Str("target", t.ID()).Bool("wait", wait).Msg("Deployment requested via API")

	d, err := t.Deploy(r.Context(), wait, params)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
	}
	writeJSON(w, h.log, status, d)
}

// HandleDeployAll queues a deployment on every target
func (h *TargetHandlers) HandleDeployAll(w http.ResponseWriter, r *http.Request) {
	params, wait, err := deployRequest(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	deployments, err := h.targets.DeployAll(r.Context(), wait, params)

	response := map[string]interface{}{
		"deployments": deployments,
		"errors":      errorMessages(err),
	}
	if deployments == nil {
		response["deployments"] = []*deployment.Deployment{}
	}
	writeJSON(w, h.log, http.StatusOK, response)
}

// HandleDelete deletes a target
func (h *TargetHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	env, site := chi.URLParam(r, "env"), chi.URLParam(r, "site")

	h.log.Info().Str("env", env).Str("site", site).Msg("Target deletion requested via API")

	if err := h.targets.Delete(r.Context(), env, site); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]string{"deleted": env + "/" + site})
}

// HandleGetPending lists the queued deployments of a target
func (h *TargetHandlers) HandleGetPending(w http.ResponseWriter, r *http.Request) {
	t, err := h.target(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, t.Pending())
}

// HandleGetCurrent returns the running deployment of a target, or null
func (h *TargetHandlers) HandleGetCurrent(w http.ResponseWriter, r *http.Request) {
	t, err := h.target(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, t.Current())
}

// HandleGetDeployments lists finished deployments, newest first. ?limit caps the result.
func (h *TargetHandlers) HandleGetDeployments(w http.ResponseWriter, r *http.Request) {
	t, err := h.target(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, h.log, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
			return
		}
	}

	records, err := h.history.List(r.Context(), t.ID(), limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if records == nil {
		records = []deployment.Record{}
	}
	writeJSON(w, h.log, http.StatusOK, records)
}

// HandleGetStats returns deployment statistics for a target
func (h *TargetHandlers) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	t, err := h.target(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	stats, err := h.history.Stats(r.Context(), t.ID())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, stats)
}

func (h *TargetHandlers) target(r *http.Request) (*target.Target, error) {
	return h.targets.Get(chi.URLParam(r, "env"), chi.URLParam(r, "site"))
}

// deployRequest reads the params body and the wait flag. An empty body means no params.
func deployRequest(r *http.Request) (map[string]interface{}, bool, error) {
	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false, fmt.Errorf("%w: invalid wait flag %q", errBadRequest, raw)
		}
		wait = parsed
	}

	var params map[string]interface{}
	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxParamsBody))
		if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("%w: invalid params: %v", errBadRequest, err)
		}
	}
	return params, wait, nil
}

// errorMessages flattens a joined error into its messages
func errorMessages(err error) []string {
	if err == nil {
		return []string{}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
