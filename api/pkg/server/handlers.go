package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fleetml/fleet/api/pkg/types"
)

func decodeBody(r *http.Request, into any) error {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return types.NewValidationError("reading request body: %s", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return types.NewValidationError("invalid request body: %s", err)
	}
	return nil
}

// Model CRUD goes through the config store; the core applies committed
// changes to the registry, so handlers never touch it directly for writes.

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	var config types.ModelConfig
	if err := decodeBody(r, &config); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.core.Registry.Get(config.ID); err == nil {
		writeError(w, types.NewError(types.ErrorKindValidation, types.CodeDuplicateModel,
			"model %s already exists", config.ID))
		return
	}
	if err := s.core.Registry.ValidateConfig(&config); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.Store.SaveModel(r.Context(), &config); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, config)
}

func (s *Server) listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Registry.List())
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	runtime, err := s.core.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtime)
}

func (s *Server) updateModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	var config types.ModelConfig
	if err := decodeBody(r, &config); err != nil {
		writeError(w, err)
		return
	}
	if config.ID != "" && config.ID != modelID {
		writeError(w, types.NewValidationError("body id %q does not match path id %q", config.ID, modelID))
		return
	}
	config.ID = modelID
	if _, err := s.core.Registry.Get(modelID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.Registry.ValidateConfig(&config); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.Store.SaveModel(r.Context(), &config); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Store.DeleteModel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) startModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	if err := s.core.Registry.Start(r.Context(), modelID); err != nil {
		writeError(w, err)
		return
	}
	s.modelStatus(w, r)
}

func (s *Server) stopModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	if err := s.core.Registry.Stop(r.Context(), modelID); err != nil {
		writeError(w, err)
		return
	}
	s.modelStatus(w, r)
}

func (s *Server) restartModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	if err := s.core.Registry.Restart(r.Context(), modelID); err != nil {
		writeError(w, err)
		return
	}
	s.modelStatus(w, r)
}

func (s *Server) modelStatus(w http.ResponseWriter, r *http.Request) {
	runtime, err := s.core.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtime)
}

func (s *Server) checkModelHealth(w http.ResponseWriter, r *http.Request) {
	result, err := s.core.Health.CheckNow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) scheduleModel(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	opts := types.ScheduleOptions{AllowPreemption: true}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &opts); err != nil {
			writeError(w, err)
			return
		}
	}
	decision, err := s.core.Scheduler.ScheduleWithOptions(r.Context(), modelID, opts)
	if err != nil {
		// The decision carries the outcome; surface both.
		writeJSON(w, statusFor(err), decision)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) recoveryQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Scheduler.RecoveryQueue())
}

func (s *Server) cancelPending(w http.ResponseWriter, r *http.Request) {
	s.core.Scheduler.DropRecovery(mux.Vars(r)["id"])
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) recentDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, types.NewValidationError("limit must be a non-negative integer, got %q", raw))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, s.core.Scheduler.RecentDecisions(limit))
}

func (s *Server) recoveryAttempts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Scheduler.RecoveryAttempts())
}

func (s *Server) allocationSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.core.Scheduler.AllocationSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) getPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Scheduler.Policy())
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy types.SchedulerPolicy
	if err := decodeBody(r, &policy); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.Scheduler.UpdatePolicy(policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Scheduler.Policy())
}

func (s *Server) listGPUs(w http.ResponseWriter, r *http.Request) {
	gpus, err := s.core.Probe.ListGPUs(r.Context())
	if err != nil {
		writeError(w, types.WrapError(types.ErrorKindProbe, types.CodeProbeUnavailable, err, "listing GPUs"))
		return
	}
	writeJSON(w, http.StatusOK, gpus)
}

func (s *Server) routerTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Router.Targets(r.URL.Query().Get("model_id")))
}

func (s *Server) getRouterPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]types.LoadBalancePolicy{"policy": s.core.Router.Policy()})
}

func (s *Server) updateRouterPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Policy types.LoadBalancePolicy `json:"policy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.core.Router.SetPolicy(body.Policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]types.LoadBalancePolicy{"policy": s.core.Router.Policy()})
}

func (s *Server) routerHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Router.History(mux.Vars(r)["id"]))
}

// proxy strips the mount prefix and hands the request to the router, so the
// engine sees the path the client asked for.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	prefix := "/v1/models/" + modelID + "/proxy"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == "" {
		rest = "/"
	}
	r.URL.Path = rest
	s.core.Router.Proxy(modelID, w, r)
}
