package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/terrpan/batchcloud/internal/cloud"
	"github.com/terrpan/batchcloud/internal/credentials"
	"github.com/terrpan/batchcloud/internal/node"
)

// ProvisionRequest is the body of POST /api/v1/cloud/provision.
type ProvisionRequest struct {
	Label          string `json:"label"`
	ExcessWorkload int    `json:"excessWorkload"`
}

// PlannedResponse reports a planned node.  Node is set once it is online;
// Error once provisioning has failed.
type PlannedResponse struct {
	Name         string       `json:"name"`
	DisplayName  string       `json:"displayName"`
	NumExecutors int          `json:"numExecutors"`
	Done         bool         `json:"done"`
	Node         *node.Worker `json:"node,omitempty"`
	Error        string       `json:"error,omitempty"`
}

func plannedResponse(p *cloud.PlannedNode) PlannedResponse {
	resp := PlannedResponse{
		Name:         p.Name,
		DisplayName:  p.DisplayName,
		NumExecutors: p.NumExecutors,
	}
	w, done, err := p.Result()
	resp.Done = done
	resp.Node = w
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// ---------------------------------------------------------------------------
// Cloud
// ---------------------------------------------------------------------------

func (s *Server) getCloud(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Load())
}

// putCloud is the configuration save path.  The body replaces the
// descriptor; concurrent provisioning keeps the version it started with.
// A deprecated username and password without a credentialId are
// upgraded into a stored credential.
func (s *Server) putCloud(w http.ResponseWriter, r *http.Request) {
	var next cloud.LegacyConfig
	if err := decodeJSON(r, &next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if next.CredentialID == "" && (next.Username == "") != (next.Password == "") {
		writeError(w, http.StatusBadRequest, "invalid_cloud", "username and password must be set together")
		return
	}

	var upgradeErr error
	saved, err := s.snapshot.Update(func(c *cloud.Config) error {
		// Validate before upgrading so a rejected save stores no credential.
		check := next.Config
		check.ApplyDefaults()
		if err := check.Validate(); err != nil {
			return err
		}
		migrated, err := cloud.Migrate(r.Context(), next, s.creds, s.logger)
		if err != nil {
			upgradeErr = err
			return err
		}
		*c = migrated
		return nil
	})
	switch {
	case upgradeErr != nil:
		s.logger.Error("upgrading legacy login", slog.String("error", upgradeErr.Error()))
		writeError(w, http.StatusInternalServerError, "credentials_unavailable", upgradeErr.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_cloud", err.Error())
		return
	}

	s.logger.Info("cloud configuration saved",
		slog.String("cloud", saved.Name),
		slog.String("host", saved.Hostname),
		slog.Uint64("version", s.snapshot.Version()),
	)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) canProvision(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query().Get("label")
	writeJSON(w, http.StatusOK, map[string]bool{
		"canProvision": s.provisioner.CanProvision(requested),
	})
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.ExcessWorkload < 1 {
		writeError(w, http.StatusBadRequest, "invalid_workload", cloud.ErrInvalidWorkload.Error())
		return
	}

	// The planned node outlives the request.
	planned := s.provisioner.Provision(context.WithoutCancel(r.Context()), req.Label, req.ExcessWorkload)
	s.trackPlanned(planned)

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, plannedResponse(planned))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()

	_, err := planned.Wait(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, plannedResponse(planned))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusAccepted, plannedResponse(planned))
	default:
		writeJSON(w, http.StatusBadGateway, plannedResponse(planned))
	}
}

func (s *Server) getPlanned(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	planned, ok := s.lookupPlanned(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "planned node "+name+" not found")
		return
	}
	writeJSON(w, http.StatusOK, plannedResponse(planned))
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

func (s *Server) listNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]node.Worker{
		"nodes": s.inventory.List(),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	wk, ok := s.inventory.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "node "+name+" not found")
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

// deleteNode terminates a node.  It always answers 204: terminating an
// absent node only logs a warning.
func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	s.inventory.Terminate(r.Context(), mux.Vars(r)["name"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskStarted(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.inventory.TaskStarted(name); err != nil {
		s.writeNodeError(w, err)
		return
	}
	wk, _ := s.inventory.Get(name)
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) taskCompleted(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.inventory.TaskCompleted(r.Context(), name); err != nil {
		s.writeNodeError(w, err)
		return
	}
	wk, _ := s.inventory.Get(name)
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) writeNodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, node.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, node.ErrSingleUse):
		writeError(w, http.StatusConflict, "single_use", err.Error())
	case errors.Is(err, node.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	default:
		s.logger.Error("node event failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// listCredentials backs the credential picker of the configuration UI.
// Secrets never leave the store.
func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	summaries, err := s.creds.List(r.Context(), scope)
	if err != nil {
		s.logger.Error("listing credentials", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "credentials_unavailable", err.Error())
		return
	}
	if summaries == nil {
		summaries = []credentials.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string][]credentials.Summary{
		"credentials": summaries,
	})
}
