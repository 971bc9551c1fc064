// Package simulation provides the HTTP handlers that expose scenario models
// to a front end: workspaces, edits, saves, resets, share links and exports.
//
// A workspace owns one independent model per scenario. Its snapshots live
// in the shared store under the workspace ID, so a workspace that is not in
// memory (after a restart, or opened on another replica) is restored from
// its last save on first access.
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stablejack/simulation-engine/internal/codec"
	"github.com/stablejack/simulation-engine/internal/constraint"
	"github.com/stablejack/simulation-engine/internal/engine"
	"github.com/stablejack/simulation-engine/internal/export"
	"github.com/stablejack/simulation-engine/internal/metrics"
	"github.com/stablejack/simulation-engine/internal/model"
	"github.com/stablejack/simulation-engine/internal/scenario"
	"github.com/stablejack/simulation-engine/internal/store"
)

// Workspace is one user's pair of scenario models.
type Workspace struct {
	ID        string
	CreatedAt time.Time
	models    map[string]*scenario.Model
}

// Model returns the workspace's model for a scenario.
func (w *Workspace) Model(def *scenario.Definition) *scenario.Model {
	return w.models[def.Name]
}

func (w *Workspace) restored() bool {
	for _, m := range w.models {
		if m.Restored() {
			return true
		}
	}
	return false
}

// Service handles workspace operations. Each scenario model serializes its
// own edits; the service lock only guards the workspace table.
type Service struct {
	store store.Store
	opts  []engine.Option
	wsHub *WSHub // optional WebSocket hub for live updates

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// NewService creates a new simulation service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub, opts ...engine.Option) *Service {
	return &Service{
		store:      st,
		opts:       opts,
		wsHub:      hub,
		workspaces: make(map[string]*Workspace),
	}
}

// Routes mounts the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/scenarios", s.ListScenarios)
	r.Post("/workspaces", s.CreateWorkspace)
	r.Delete("/workspaces/{workspaceID}", s.DeleteWorkspace)
	r.Get("/workspaces/{workspaceID}/share", s.Share)
	r.Get("/workspaces/{workspaceID}/scenarios/{scenario}", s.GetScenario)
	r.Patch("/workspaces/{workspaceID}/scenarios/{scenario}", s.EditScenario)
	r.Post("/workspaces/{workspaceID}/scenarios/{scenario}/save", s.SaveScenario)
	r.Post("/workspaces/{workspaceID}/scenarios/{scenario}/reset", s.ResetScenario)
	r.Get("/workspaces/{workspaceID}/scenarios/{scenario}/export", s.ExportScenario)
}

// --- Request/Response types ---

// CreateWorkspaceRequest is the optional JSON body for workspace creation.
type CreateWorkspaceRequest struct {
	// Fragment restores a shared link ("#protocol-simulation=...").
	Fragment string `json:"fragment"`
}

// WorkspaceResponse describes a workspace and its current scenario states.
type WorkspaceResponse struct {
	ID        string                    `json:"id"`
	CreatedAt time.Time                 `json:"created_at"`
	Scenarios map[string]scenario.State `json:"scenarios"`
}

// EditErrorResponse is returned with 422 when an edit is rejected.
type EditErrorResponse struct {
	Error  string                  `json:"error"`
	Fields []constraint.FieldError `json:"fields,omitempty"`
	State  scenario.State          `json:"state"`
}

// SaveResponse reports the saved state and whether the store accepted it.
type SaveResponse struct {
	State     scenario.State `json:"state"`
	Persisted bool           `json:"persisted"`
	Error     string         `json:"error,omitempty"`
}

// ShareResponse carries a link fragment restoring every scenario.
type ShareResponse struct {
	Fragment string `json:"fragment"`
}

// FieldInfo describes one field of a scenario for form rendering.
type FieldInfo struct {
	Field    string   `json:"field"`
	Label    string   `json:"label"`
	Editable bool     `json:"editable"`
	Min      *float64 `json:"min,omitempty"`
	Default  float64  `json:"default"`
}

// ScenarioInfo describes one scenario.
type ScenarioInfo struct {
	Name   string      `json:"name"`
	Key    string      `json:"key"`
	Fields []FieldInfo `json:"fields"`
}

// --- Workspace table ---

// Create makes a new workspace. A non-empty fragment seeds its snapshots
// from a share link before the models are loaded.
func (s *Service) Create(ctx context.Context, fragment string) (*Workspace, error) {
	id := uuid.New().String()
	ns := store.WithNamespace(s.store, id)

	if fragment != "" {
		frag := codec.ParseFragment(fragment)
		for _, def := range scenario.All() {
			v, ok := frag.Vector(def.Key, def.Defaults())
			if !ok {
				if _, present := frag.Token(def.Key); present {
					slog.Warn("unreadable share token ignored", "scenario", def.Name)
				}
				continue
			}
			if err := codec.Save(ctx, ns, def.Key, v); err != nil {
				metrics.StoreErrors.WithLabelValues("set").Inc()
				return nil, err
			}
		}
	}

	ws := s.load(ctx, id, ns)
	s.mu.Lock()
	s.workspaces[id] = ws
	s.mu.Unlock()
	metrics.ActiveWorkspaces.Inc()

	slog.Info("workspace created", "id", id, "from_fragment", fragment != "")
	return ws, nil
}

// Workspace returns a live workspace, restoring it from the store if it is
// not in memory. Only UUIDs name workspaces, and an ID with no saved
// snapshot in the store is unknown.
func (s *Service) Workspace(ctx context.Context, id string) (*Workspace, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	id = parsed.String()

	s.mu.Lock()
	ws, ok := s.workspaces[id]
	s.mu.Unlock()
	if ok {
		return ws, true
	}

	// Store reads happen outside the table lock.
	ws = s.load(ctx, id, store.WithNamespace(s.store, id))
	if !ws.restored() {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.workspaces[id]; ok {
		return existing, true
	}
	s.workspaces[id] = ws
	metrics.ActiveWorkspaces.Inc()
	slog.Info("workspace restored", "id", id)
	return ws, true
}

// Delete drops a workspace from memory and removes its saved snapshots.
// Deleting an unknown workspace is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	id = parsed.String()

	s.mu.Lock()
	if _, ok := s.workspaces[id]; ok {
		delete(s.workspaces, id)
		metrics.ActiveWorkspaces.Dec()
	}
	s.mu.Unlock()

	ns := store.WithNamespace(s.store, id)
	for _, def := range scenario.All() {
		if err := ns.Delete(ctx, def.Key); err != nil {
			metrics.StoreErrors.WithLabelValues("delete").Inc()
			return fmt.Errorf("delete %s snapshot: %w", def.Name, err)
		}
	}
	slog.Info("workspace deleted", "id", id)
	return nil
}

// Workspaces returns the number of workspaces held in memory.
func (s *Service) Workspaces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workspaces)
}

func (s *Service) load(ctx context.Context, id string, st store.Store) *Workspace {
	ws := &Workspace{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		models:    make(map[string]*scenario.Model),
	}
	for _, def := range scenario.All() {
		ws.models[def.Name] = scenario.Load(ctx, def, st, s.opts...)
	}
	return ws
}

// --- HTTP Handlers ---

// ListScenarios handles GET /api/v1/scenarios
func (s *Service) ListScenarios(w http.ResponseWriter, r *http.Request) {
	var out []ScenarioInfo
	for _, def := range scenario.All() {
		defaults := def.Defaults()
		info := ScenarioInfo{Name: def.Name, Key: def.Key}
		for _, f := range def.Graph.Fields() {
			fi := FieldInfo{
				Field:    f,
				Label:    model.Label(f),
				Editable: def.Constraints.Editable(f),
				Default:  defaults.Get(f),
			}
			if c, ok := def.Constraints.Constraint(f); ok && c.HasMin {
				lo := c.Min
				fi.Min = &lo
			}
			info.Fields = append(info.Fields, fi)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateWorkspace handles POST /api/v1/workspaces
func (s *Service) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ws, err := s.Create(r.Context(), req.Fragment)
	if err != nil {
		writeError(w, "failed to create workspace", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, workspaceResponse(ws))
}

// GetScenario handles GET /api/v1/workspaces/{workspaceID}/scenarios/{scenario}
func (s *Service) GetScenario(w http.ResponseWriter, r *http.Request) {
	m, ok := s.model(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.State())
}

// EditScenario handles PATCH /api/v1/workspaces/{workspaceID}/scenarios/{scenario}
// The body is a JSON object of independent-field edits. Values may be
// numbers or numeric strings.
func (s *Service) EditScenario(w http.ResponseWriter, r *http.Request) {
	m, ok := s.model(w, r)
	if !ok {
		return
	}

	var patch map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	state, err := m.Apply(patch)
	var fieldErrs constraint.Errors
	switch {
	case errors.As(err, &fieldErrs):
		writeJSON(w, http.StatusUnprocessableEntity, EditErrorResponse{
			Error:  "invalid edit",
			Fields: fieldErrs,
			State:  state,
		})
		return
	case errors.Is(err, scenario.ErrNonFinite):
		writeJSON(w, http.StatusUnprocessableEntity, EditErrorResponse{
			Error: err.Error(),
			State: state,
		})
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.broadcast(chi.URLParam(r, "workspaceID"), state)
	writeJSON(w, http.StatusOK, state)
}

// SaveScenario handles POST /api/v1/workspaces/{workspaceID}/scenarios/{scenario}/save
// A store failure is reported in the body; the in-memory state is kept.
func (s *Service) SaveScenario(w http.ResponseWriter, r *http.Request) {
	m, ok := s.model(w, r)
	if !ok {
		return
	}

	state, err := m.Save(r.Context())
	resp := SaveResponse{State: state, Persisted: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetScenario handles POST /api/v1/workspaces/{workspaceID}/scenarios/{scenario}/reset
func (s *Service) ResetScenario(w http.ResponseWriter, r *http.Request) {
	m, ok := s.model(w, r)
	if !ok {
		return
	}

	state := m.Reset()
	s.broadcast(chi.URLParam(r, "workspaceID"), state)
	writeJSON(w, http.StatusOK, state)
}

// ExportScenario handles GET /api/v1/workspaces/{workspaceID}/scenarios/{scenario}/export
// Returns ?format=json (default) or ?format=text. ?field=name narrows a JSON
// export to that one entry.
func (s *Service) ExportScenario(w http.ResponseWriter, r *http.Request) {
	m, ok := s.model(w, r)
	if !ok {
		return
	}

	rep := export.Build(m.Definition(), m.State())
	if field := r.URL.Query().Get("field"); field != "" {
		e, ok := rep.Lookup(field)
		if !ok {
			writeError(w, "unknown field: "+field, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, e)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, rep)
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := rep.WriteTable(w); err != nil {
			slog.Error("export render failed", "report", rep.ID, "err", err)
		}
	default:
		writeError(w, "format must be json or text", http.StatusBadRequest)
	}
}

// DeleteWorkspace handles DELETE /api/v1/workspaces/{workspaceID}
func (s *Service) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	if err := s.Delete(r.Context(), id); err != nil {
		slog.Error("workspace delete failed", "id", id, "err", err)
		writeError(w, "workspace could not be deleted", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Share handles GET /api/v1/workspaces/{workspaceID}/share
// The fragment reflects the current, not the last saved, values.
func (s *Service) Share(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.Workspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if !ok {
		writeError(w, "workspace not found", http.StatusNotFound)
		return
	}

	frag := codec.ParseFragment("")
	for _, def := range scenario.All() {
		if err := frag.Set(def.Key, ws.Model(def).State().Values); err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, ShareResponse{Fragment: frag.String()})
}

// model resolves the workspace and scenario URL parameters, writing a 404
// when either is unknown.
func (s *Service) model(w http.ResponseWriter, r *http.Request) (*scenario.Model, bool) {
	ws, ok := s.Workspace(r.Context(), chi.URLParam(r, "workspaceID"))
	if !ok {
		writeError(w, "workspace not found", http.StatusNotFound)
		return nil, false
	}
	def, err := scenario.Lookup(chi.URLParam(r, "scenario"))
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return ws.Model(def), true
}

func (s *Service) broadcast(workspaceID string, state scenario.State) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:        "scenario_updated",
		WorkspaceID: workspaceID,
		Scenario:    state.Scenario,
		Version:     state.Version,
		Converged:   state.Converged,
		Values:      state.Values,
	})
}

func workspaceResponse(ws *Workspace) WorkspaceResponse {
	resp := WorkspaceResponse{
		ID:        ws.ID,
		CreatedAt: ws.CreatedAt,
		Scenarios: make(map[string]scenario.State, len(ws.models)),
	}
	for name, m := range ws.models {
		resp.Scenarios[name] = m.State()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
