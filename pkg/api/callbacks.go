package api

import (
	"net/http"
	"time"

	"github.com/riannom/archetype/pkg/lifecycle"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

type registerRequest struct {
	ID                string                  `json:"id"`
	Address           string                  `json:"address"`
	Version           string                  `json:"version"`
	CommitSHA         string                  `json:"commit_sha"`
	DeploymentMode    string                  `json:"deployment_mode"`
	Capabilities      types.AgentCapabilities `json:"capabilities"`
	ImageSyncStrategy string                  `json:"image_sync_strategy"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	if req.ID == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "id and address are required")
		return
	}
	agent := &types.Agent{
		ID:                req.ID,
		Address:           req.Address,
		Version:           req.Version,
		CommitSHA:         req.CommitSHA,
		DeploymentMode:    req.DeploymentMode,
		Capabilities:      req.Capabilities,
		ImageSyncStrategy: req.ImageSyncStrategy,
	}
	if err := s.registry.Register(r.Context(), agent); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type heartbeatRequest struct {
	Usage types.AgentUsage `json:"usage"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	err := s.registry.Heartbeat(r.Context(), r.PathValue("id"), req.Usage)
	if err != nil {
		// An unknown agent must register first.
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobCallbackRequest struct {
	Success     bool              `json:"success"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	NodeStates  map[string]string `json:"node_states,omitempty"` // node name -> actual
}

func (s *Server) handleJobCallback(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	var req jobCallbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if len(req.NodeStates) > 0 {
		s.applyReportedStates(r, job.LabID, req.NodeStates)
	}
	if err := s.pipeline.HandleCallback(r.Context(), jobID, req.Success, req.Stdout, req.Stderr); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// applyReportedStates imports the per-node actual states carried on a
// job callback, subject to the legal-transition rules. Illegal reports
// are dropped; the reconciler settles any disagreement next cycle.
func (s *Server) applyReportedStates(r *http.Request, labID string, reported map[string]string) {
	ctx := r.Context()
	for nodeName, actual := range reported {
		next, ok := mapReportedActual(actual)
		if !ok {
			continue
		}
		node, err := s.store.GetNodeByName(ctx, labID, nodeName)
		if err != nil {
			continue
		}
		var updated *types.NodeState
		err = s.store.InTx(ctx, func(tx store.Store) error {
			ns, err := tx.GetNodeStateForUpdate(ctx, labID, node.ID)
			if err != nil {
				return err
			}
			if ns.Actual == next || !lifecycle.CanTransition(ns.Actual, next) {
				return nil
			}
			ns.Actual = next
			if next == types.NodeActualRunning || next == types.NodeActualStopped {
				ns.ErrorMessage = ""
			}
			updated = ns
			return tx.UpdateNodeState(ctx, ns)
		})
		if err != nil {
			log.WithLab(labID).Warn().Err(err).Str("node", nodeName).Msg("callback state import failed")
			continue
		}
		if updated != nil {
			s.broadcaster.PublishNodeState(updated)
			if updated.Actual == types.NodeActualRunning {
				s.links.OnNodeRunning(ctx, labID, nodeName)
			}
		}
	}
}

func mapReportedActual(actual string) (types.NodeActualState, bool) {
	switch actual {
	case "running":
		return types.NodeActualRunning, true
	case "starting":
		return types.NodeActualStarting, true
	case "stopping":
		return types.NodeActualStopping, true
	case "stopped", "exited":
		return types.NodeActualStopped, true
	case "error":
		return types.NodeActualError, true
	default:
		return "", false
	}
}

func (s *Server) handleJobHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.HandleHeartbeat(r.Context(), r.PathValue("id")); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type carrierStateRequest struct {
	LabID     string `json:"lab_id"`
	NodeName  string `json:"node_name"`
	Interface string `json:"interface"`
	Carrier   string `json:"carrier"` // "on" or "off"
}

func (s *Server) handleCarrierState(w http.ResponseWriter, r *http.Request) {
	var req carrierStateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	if req.Carrier != "on" && req.Carrier != "off" {
		writeError(w, http.StatusBadRequest, "carrier must be on or off")
		return
	}
	err := s.carrier.HandleCarrierChange(r.Context(), req.LabID, req.NodeName, req.Interface, req.Carrier == "on")
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deadLetterRequest struct {
	OriginalStatus string `json:"original_status,omitempty"`
	Message        string `json:"message,omitempty"`
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req deadLetterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	err := s.pipeline.HandleDeadLetter(r.Context(), r.PathValue("id"), req.OriginalStatus, req.Message)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type updateCallbackRequest struct {
	Phase   string `json:"phase"` // e.g. "downloading", "restarting", "failed"
	Message string `json:"message,omitempty"`
}

// handleUpdateCallback records agent-update progress. Successful
// completion is not reported here: the updated agent proves itself by
// re-registering with the target version, which completes the job.
func (s *Server) handleUpdateCallback(w http.ResponseWriter, r *http.Request) {
	var req updateCallbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	jobID := r.PathValue("id")
	if req.Phase == "failed" {
		if err := s.pipeline.HandleCallback(r.Context(), jobID, false, "", req.Message); err != nil {
			respondErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if !job.Status.Terminal() {
		job.Log += req.Phase + ": " + req.Message + "\n"
		now := time.Now().UTC()
		job.LastHeartbeat = &now
		if err := s.store.UpdateJob(r.Context(), job); err != nil {
			respondErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
