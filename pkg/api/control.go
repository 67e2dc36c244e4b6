package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/bus"
	"github.com/riannom/archetype/pkg/cleanup"
	"github.com/riannom/archetype/pkg/jobs"
	"github.com/riannom/archetype/pkg/lifecycle"
	"github.com/riannom/archetype/pkg/links"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

type createLabRequest struct {
	Name         string          `json:"name"`
	Owner        string          `json:"owner"`
	DefaultAgent string          `json:"default_agent,omitempty"`
	Topology     *types.Topology `json:"topology,omitempty"`
}

func (s *Server) handleCreateLab(w http.ResponseWriter, r *http.Request) {
	var req createLabRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Topology != nil {
		if err := validateTopology(req.Topology); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	lab := &types.Lab{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Owner:        req.Owner,
		DefaultAgent: req.DefaultAgent,
		State:        types.LabStateStopped,
	}
	if err := s.store.CreateLab(r.Context(), lab); err != nil {
		respondErr(w, err)
		return
	}
	if req.Topology != nil {
		if _, _, err := s.applyTopology(r, lab, req.Topology); err != nil {
			respondErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, lab)
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := s.store.ListLabs(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"labs": labs})
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	nodes, err := s.store.ListNodes(ctx, lab.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	nodeStates, err := s.store.ListNodeStates(ctx, lab.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	linkStates, err := s.store.ListLinkStates(ctx, lab.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lab":         lab,
		"nodes":       nodes,
		"node_states": nodeStates,
		"link_states": linkStates,
	})
}

type updateLabRequest struct {
	Name         *string `json:"name,omitempty"`
	Owner        *string `json:"owner,omitempty"`
	DefaultAgent *string `json:"default_agent,omitempty"`
}

func (s *Server) handleUpdateLab(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	var req updateLabRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		lab.Name = *req.Name
	}
	if req.Owner != nil {
		lab.Owner = *req.Owner
	}
	if req.DefaultAgent != nil {
		lab.DefaultAgent = *req.DefaultAgent
	}
	if err := s.store.UpdateLab(ctx, lab); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lab)
}

func (s *Server) handleDeleteLab(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	switch lab.State {
	case types.LabStateRunning, types.LabStateStarting, types.LabStateStopping:
		writeError(w, http.StatusConflict, "lab must be stopped before deletion")
		return
	}
	if err := s.store.DeleteLab(ctx, lab.ID); err != nil {
		respondErr(w, err)
		return
	}
	s.publishEvent(r, cleanup.Event{Type: cleanup.LabDeleted, LabID: lab.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleApplyTopology(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	var topo types.Topology
	if err := decode(r, &topo); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	if err := validateTopology(&topo); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.snapshotTopology(ctx, lab.ID)
	added, removed, err := s.applyTopology(r, lab, &topo)
	if err != nil {
		respondErr(w, err)
		return
	}

	// A running lab needs a job to converge the fabric onto the new
	// link set.
	var job *types.Job
	if (added > 0 || removed > 0) && lab.State == types.LabStateRunning {
		action := jobs.Action{Verb: jobs.VerbLinks, LinksAdd: added, LinksRemove: removed}
		job, err = s.pipeline.Enqueue(ctx, lab.ID, "", action)
		if err != nil {
			respondErr(w, err)
			return
		}
		go s.pipeline.Execute(job)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"links_added":   added,
		"links_removed": removed,
		"job":           job,
	})
}

// snapshotTopology saves the lab's current node and link set before a
// mutating re-apply, so an operator can recover the pre-change graph.
// Best effort.
func (s *Server) snapshotTopology(ctx context.Context, labID string) {
	nodes, err := s.store.ListNodes(ctx, labID)
	if err != nil {
		return
	}
	linkStates, err := s.store.ListLinkStates(ctx, labID)
	if err != nil {
		return
	}
	content, err := json.Marshal(map[string]any{"nodes": nodes, "links": linkStates})
	if err != nil {
		return
	}
	snap := &types.ConfigSnapshot{
		ID:      uuid.NewString(),
		LabID:   labID,
		Content: content,
	}
	if err := s.store.CreateConfigSnapshot(ctx, snap); err != nil {
		log.WithLab(labID).Warn().Err(err).Msg("topology snapshot failed")
	}
}

// applyTopology diffs the supplied topology against the stored one and
// applies the difference: nodes created or removed, links added or
// removed. Returns the link add/remove counts.
func (s *Server) applyTopology(r *http.Request, lab *types.Lab, topo *types.Topology) (added, removed int, err error) {
	ctx := r.Context()
	existing, err := s.store.ListNodes(ctx, lab.ID)
	if err != nil {
		return 0, 0, err
	}
	byName := make(map[string]*types.Node, len(existing))
	for _, n := range existing {
		byName[n.Name] = n
	}

	wanted := make(map[string]bool, len(topo.Nodes))
	for _, tn := range topo.Nodes {
		wanted[tn.Name] = true
		if _, ok := byName[tn.Name]; ok {
			continue
		}
		hostPin := tn.Host
		if hostPin == "" && topo.Placements != nil {
			hostPin = topo.Placements[tn.Name]
		}
		node := &types.Node{
			ID:          uuid.NewString(),
			LabID:       lab.ID,
			Name:        tn.Name,
			RuntimeName: fmt.Sprintf("archetype-%.8s-%s", lab.ID, tn.Name),
			Kind:        tn.Kind,
			Image:       tn.Image,
			HostPin:     hostPin,
		}
		if err := s.store.CreateNode(ctx, node); err != nil {
			return 0, 0, err
		}
		ns := &types.NodeState{
			ID:       uuid.NewString(),
			LabID:    lab.ID,
			NodeID:   node.ID,
			NodeName: node.Name,
			Desired:  types.NodeDesiredStopped,
			Actual:   types.NodeActualUndeployed,
		}
		if err := s.store.CreateNodeState(ctx, ns); err != nil {
			return 0, 0, err
		}
		byName[node.Name] = node
	}

	for name, node := range byName {
		if wanted[name] {
			continue
		}
		if err := s.store.DeleteNode(ctx, node.ID); err != nil {
			return 0, 0, err
		}
		if err := s.store.DeletePlacement(ctx, lab.ID, name); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.WithLab(lab.ID).Warn().Err(err).Str("node", name).Msg("placement delete failed")
		}
		s.publishEvent(r, cleanup.Event{Type: cleanup.NodeRemoved, LabID: lab.ID, NodeName: name})
	}

	// Diff links by canonical name.
	current, err := s.store.ListLinkStates(ctx, lab.ID)
	if err != nil {
		return 0, 0, err
	}
	currentByName := make(map[string]*types.LinkState, len(current))
	for _, ls := range current {
		currentByName[ls.Name] = ls
	}
	wantedLinks := make(map[string]types.TopologyLink, len(topo.Links))
	for _, tl := range topo.Links {
		nodeA, ifA, _ := strings.Cut(tl.A, ":")
		nodeB, ifB, _ := strings.Cut(tl.Z, ":")
		wantedLinks[links.CanonicalName(nodeA, ifA, nodeB, ifB)] = tl
	}

	for name, tl := range wantedLinks {
		if _, ok := currentByName[name]; ok {
			continue
		}
		nodeA, ifA, _ := strings.Cut(tl.A, ":")
		nodeB, ifB, _ := strings.Cut(tl.Z, ":")
		if _, err := s.links.AddLink(ctx, lab.ID, nodeA, ifA, nodeB, ifB); err != nil {
			return added, removed, err
		}
		added++
	}
	for name, ls := range currentByName {
		if _, ok := wantedLinks[name]; ok {
			continue
		}
		if err := s.links.RemoveLink(ctx, ls.ID); err != nil {
			return added, removed, err
		}
		removed++
	}
	return added, removed, nil
}

func validateTopology(topo *types.Topology) error {
	names := map[string]bool{}
	for _, tn := range topo.Nodes {
		if tn.Name == "" {
			return fmt.Errorf("topology: node with empty name")
		}
		if tn.Kind == "" {
			return fmt.Errorf("topology: node %s has no kind", tn.Name)
		}
		if names[tn.Name] {
			return fmt.Errorf("topology: duplicate node name %s", tn.Name)
		}
		names[tn.Name] = true
	}
	for _, tl := range topo.Links {
		for _, ep := range []string{tl.A, tl.Z} {
			node, iface, ok := strings.Cut(ep, ":")
			if !ok || node == "" || iface == "" {
				return fmt.Errorf("topology: malformed endpoint %q", ep)
			}
			if !names[node] {
				return fmt.Errorf("topology: link endpoint %q names unknown node", ep)
			}
		}
	}
	return nil
}

func (s *Server) handleLabUp(w http.ResponseWriter, r *http.Request) {
	s.enqueueLabAction(w, r, jobs.Action{Verb: jobs.VerbUp})
}

func (s *Server) handleLabDown(w http.ResponseWriter, r *http.Request) {
	s.enqueueLabAction(w, r, jobs.Action{Verb: jobs.VerbDown})
}

func (s *Server) handleLabRefresh(w http.ResponseWriter, r *http.Request) {
	s.enqueueLabAction(w, r, jobs.Action{Verb: jobs.VerbSync})
}

func (s *Server) enqueueLabAction(w http.ResponseWriter, r *http.Request, action jobs.Action) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	job, err := s.pipeline.Enqueue(ctx, lab.ID, userID(r), action)
	if err != nil {
		respondErr(w, err)
		return
	}
	go s.pipeline.Execute(job)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleNodeStart(w http.ResponseWriter, r *http.Request) {
	s.nodeCommand(w, r, true)
}

func (s *Server) handleNodeStop(w http.ResponseWriter, r *http.Request) {
	s.nodeCommand(w, r, false)
}

func (s *Server) nodeCommand(w http.ResponseWriter, r *http.Request, start bool) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	node, err := s.store.GetNodeByName(ctx, lab.ID, r.PathValue("name"))
	if err != nil {
		respondErr(w, err)
		return
	}
	ns, err := s.store.GetNodeState(ctx, lab.ID, node.ID)
	if err != nil {
		respondErr(w, err)
		return
	}

	var admission lifecycle.Admission
	var admitErr error
	desired := types.NodeDesiredStopped
	verb := agentrpc.VerbStop
	if start {
		admission, _, admitErr = lifecycle.AdmitStart(ns)
		desired = types.NodeDesiredRunning
		verb = agentrpc.VerbStart
	} else {
		admission, admitErr = lifecycle.AdmitStop(ns)
	}
	switch admission {
	case lifecycle.Reject:
		writeError(w, http.StatusConflict, admitErr.Error())
		return
	case lifecycle.NoOp:
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_op"})
		return
	}

	// Changing desired also resets the enforcement counters and clears
	// any armed cooldown so the new intent acts immediately.
	if err := s.store.SetNodeDesired(ctx, lab.ID, node.ID, desired); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.bus.ClearCooldown(ctx, bus.CooldownKey(lab.ID, node.ID)); err != nil {
		log.WithLab(lab.ID).Warn().Err(err).Str("node", node.Name).Msg("cooldown clear failed")
	}
	ns.Desired = desired
	job, err := s.pipeline.DispatchNodeAction(ctx, lab, ns, verb)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type addLinkRequest struct {
	A string `json:"a"`
	Z string `json:"z"`
}

func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	var req addLinkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid body: "+err.Error())
		return
	}
	nodeA, ifA, okA := strings.Cut(req.A, ":")
	nodeB, ifB, okB := strings.Cut(req.Z, ":")
	if !okA || !okB {
		writeError(w, http.StatusBadRequest, "endpoints must be node:interface")
		return
	}

	link, err := s.links.AddLink(ctx, lab.ID, nodeA, ifA, nodeB, ifB)
	if err != nil {
		respondErr(w, err)
		return
	}
	var job *types.Job
	if lab.State == types.LabStateRunning {
		action := jobs.Action{Verb: jobs.VerbLinks, LinksAdd: 1}
		job, err = s.pipeline.Enqueue(ctx, lab.ID, userID(r), action)
		if err != nil {
			respondErr(w, err)
			return
		}
		go s.pipeline.Execute(job)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"link": link, "job": job})
}

func (s *Server) handleRemoveLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	labID := r.PathValue("id")
	name := r.PathValue("name")
	ls, err := s.store.GetLinkStateByName(ctx, labID, name)
	if errors.Is(err, store.ErrNotFound) {
		// A single node:interface endpoint also identifies its link.
		if node, iface, ok := strings.Cut(name, ":"); ok && !strings.Contains(iface, ":") {
			ls, err = s.store.FindLinkStateByEndpoint(ctx, labID, node, iface)
		}
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.links.RemoveLink(ctx, ls.ID); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Cancel(r.Context(), r.PathValue("id")); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"agent":  a,
			"online": s.registry.Online(a),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) publishEvent(r *http.Request, ev cleanup.Event) {
	if err := cleanup.Publish(r.Context(), s.bus, ev); err != nil {
		log.WithComponent("api").Warn().Err(err).Str("type", string(ev.Type)).Msg("event publish failed")
	}
}

// userID identifies the caller for job attribution. Header-based until
// real authn lands in front of the control plane.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
