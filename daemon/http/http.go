// Package http is a thin JSON-over-HTTP binding for package daemon,
// grounded on the teacher's libvuln/http and libindex/http handlers: one
// HandlerFunc per request-surface method, a shared error-response shape,
// and an errs.Kind -> HTTP status mapping in place of handler-local codes.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/daemon"
	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/internal/jsonerr"
)

// NewMux wires every request-surface method from spec §6 onto its own
// route, matching the one-handler-per-endpoint style of the teacher's
// cmd/libvulnhttp server.
func NewMux(d *daemon.Daemon) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/environments", listOrCreateEnvironments(d))
	mux.HandleFunc("/v1/environments/activate", activateEnvironment(d))
	mux.HandleFunc("/v1/environments/deactivate", deactivateEnvironment(d))
	mux.HandleFunc("/v1/environments/remove", removeEnvironment(d))
	mux.HandleFunc("/v1/install", install(d))
	mux.HandleFunc("/v1/uninstall", uninstall(d))
	mux.HandleFunc("/v1/update", update(d))
	mux.HandleFunc("/v1/sync", sync(d))
	mux.HandleFunc("/v1/operations/status", operationStatus(d))
	mux.HandleFunc("/v1/checkpoints", listCheckpoints(d))
	mux.HandleFunc("/v1/checkpoints/restore", restoreCheckpoint(d))
	mux.HandleFunc("/healthz", health(d))
	return mux
}

// kindStatus maps an errs.Kind to the HTTP status code that best represents
// it, per spec §7's error taxonomy.
func kindStatus(k errs.Kind) int {
	switch k {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.AlreadyExists, errs.Conflict:
		return http.StatusConflict
	case errs.PolicyViolation:
		return http.StatusForbidden
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.Cancelled:
		return http.StatusRequestTimeout
	case errs.QueueFull:
		return http.StatusTooManyRequests
	case errs.Network, errs.Protocol, errs.IO:
		return http.StatusBadGateway
	case errs.Corruption:
		return http.StatusUnprocessableEntity
	case errs.Unhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, op string, err error) {
	var de *errs.Error
	if e, ok := err.(*errs.Error); ok {
		de = e
	} else {
		de = errs.Wrap(errs.Internal, op, err)
	}
	jsonerr.Error(w, &jsonerr.Response{Code: string(de.Kind), Message: de.Error()}, kindStatus(de.Kind))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jsonerr.Error(w, &jsonerr.Response{Code: string(errs.Internal), Message: err.Error()}, http.StatusInternalServerError)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonerr.Error(w, &jsonerr.Response{Code: "bad-request", Message: "could not decode request body: " + err.Error()}, http.StatusBadRequest)
		return false
	}
	return true
}

type createEnvironmentRequest struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Interpreter string `json:"interpreter_version"`
}

func listOrCreateEnvironments(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.environments"
		switch r.Method {
		case http.MethodGet:
			envs, err := d.ListEnvironments(r.Context())
			if err != nil {
				writeError(w, op, err)
				return
			}
			writeJSON(w, envs)
		case http.MethodPost:
			var req createEnvironmentRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			interp, err := pyenvd.ParseVersion(req.Interpreter)
			if err != nil {
				jsonerr.Error(w, &jsonerr.Response{Code: "bad-request", Message: err.Error()}, http.StatusBadRequest)
				return
			}
			st, err := d.CreateEnvironment(r.Context(), req.Name, req.Path, interp)
			if err != nil {
				writeError(w, op, err)
				return
			}
			writeJSON(w, st)
		default:
			jsonerr.Error(w, &jsonerr.Response{Code: "method-not-allowed", Message: "only GET and POST are supported"}, http.StatusMethodNotAllowed)
		}
	}
}

type envNameRequest struct {
	Name string `json:"name"`
}

func removeEnvironment(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.remove_environment"
		var req envNameRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := d.RemoveEnvironment(r.Context(), req.Name); err != nil {
			writeError(w, op, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func activateEnvironment(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.activate_environment"
		var req envNameRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := d.ActivateEnvironment(r.Context(), req.Name); err != nil {
			writeError(w, op, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func deactivateEnvironment(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.deactivate_environment"
		var req envNameRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := d.DeactivateEnvironment(r.Context(), req.Name); err != nil {
			writeError(w, op, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type packageOpRequest struct {
	Environment string `json:"environment"`
	Package     string `json:"package"`
	Priority    int    `json:"priority"`
}

func install(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.install"
		var req packageOpRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		so, err := d.Install(r.Context(), req.Environment, req.Package, pyenvd.Priority(req.Priority))
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeJSON(w, so)
	}
}

func uninstall(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.uninstall"
		var req packageOpRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		so, err := d.Uninstall(r.Context(), req.Environment, req.Package, pyenvd.Priority(req.Priority))
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeJSON(w, so)
	}
}

func update(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.update"
		var req packageOpRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		so, err := d.Update(r.Context(), req.Environment, req.Package, pyenvd.Priority(req.Priority))
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeJSON(w, so)
	}
}

func sync(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.sync_environment"
		var req envNameRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ops, err := d.SyncEnvironment(r.Context(), req.Name)
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeJSON(w, ops)
	}
}

func operationStatus(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.operation_status"
		id := r.URL.Query().Get("id")
		st, err := d.OperationStatus(id)
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeJSON(w, st)
	}
}

func listCheckpoints(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.list_checkpoints"
		cps, err := d.ListCheckpoints(r.Context())
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeJSON(w, cps)
	}
}

type restoreCheckpointRequest struct {
	ID string `json:"id"`
}

func restoreCheckpoint(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.restore_checkpoint"
		var req restoreCheckpointRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		st, err := d.RestoreCheckpoint(r.Context(), req.ID)
		if err != nil {
			writeError(w, op, err)
			return
		}
		writeJSON(w, st)
	}
}

func health(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "http.health"
		h, err := d.Health(r.Context())
		if err != nil {
			writeError(w, op, err)
			return
		}
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, h)
	}
}
