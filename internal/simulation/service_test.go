package simulation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablejack/simulation-engine/internal/model"
	"github.com/stablejack/simulation-engine/internal/simulation"
	"github.com/stablejack/simulation-engine/internal/store"
)

// stateBody mirrors scenario.State on the wire.
type stateBody struct {
	Scenario  string             `json:"scenario"`
	Values    map[string]float64 `json:"values"`
	Converged bool               `json:"converged"`
	Version   uint64             `json:"version"`
}

// newTestEnv creates a test Service with an in-memory store and chi router.
func newTestEnv(t *testing.T, st store.Store, hub *simulation.WSHub) (*simulation.Service, chi.Router) {
	t.Helper()
	svc := simulation.NewService(st, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
	})
	return svc, r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createWorkspace(t *testing.T, router http.Handler, body any) simulation.WorkspaceResponse {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/workspaces", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp simulation.WorkspaceResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func scenarioPath(id, name string) string {
	return "/api/v1/workspaces/" + id + "/scenarios/" + name
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) stateBody {
	t.Helper()
	var s stateBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
	return s
}

// --- Workspace tests ---

func TestCreateWorkspace(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)

	ws := createWorkspace(t, router, nil)
	assert.NotEmpty(t, ws.ID)
	require.Contains(t, ws.Scenarios, "protocol")
	require.Contains(t, ws.Scenarios, "trading")
	assert.True(t, ws.Scenarios["protocol"].Converged)
	assert.Equal(t, 2000000.0, ws.Scenarios["protocol"].Values.Get(model.AUSDMarketCap))
}

func TestCreateWorkspace_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)

	req := httptest.NewRequest("POST", "/api/v1/workspaces", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetScenario_NotFound(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "GET", scenarioPath("not-a-uuid", "protocol"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", scenarioPath(ws.ID, "lending"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkspace_UnknownIDNotRetained(t *testing.T) {
	svc, router := newTestEnv(t, store.NewMemoryStore(), nil)
	createWorkspace(t, router, nil)
	require.Equal(t, 1, svc.Workspaces())

	for i := 0; i < 100; i++ {
		_, ok := svc.Workspace(context.Background(), uuid.New().String())
		require.False(t, ok)
	}
	assert.Equal(t, 1, svc.Workspaces())

	w := do(t, router, "GET", scenarioPath(uuid.New().String(), "protocol"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, router, "GET", "/api/v1/workspaces/"+uuid.New().String()+"/share", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1, svc.Workspaces())
}

func TestWorkspace_UnsavedNotRestored(t *testing.T) {
	st := store.NewMemoryStore()
	_, router := newTestEnv(t, st, nil)
	ws := createWorkspace(t, router, nil)
	do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), map[string]any{model.AvaxPrice: 50})

	restartedSvc, restarted := newTestEnv(t, st, nil)
	w := do(t, restarted, "GET", scenarioPath(ws.ID, "protocol"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, restartedSvc.Workspaces())
}

func TestGetScenario_ByKey(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "GET", scenarioPath(ws.ID, "trading-simulation"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	s := decodeState(t, w)
	assert.Equal(t, "trading", s.Scenario)
	assert.InDelta(t, 2467.7228, s.Values[model.XAVAXMinted], 1e-3)
}

// --- Edit tests ---

func TestEditScenario(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), map[string]any{
		model.AvaxPrice: 40,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	s := decodeState(t, w)
	assert.Equal(t, uint64(2), s.Version)
	assert.Equal(t, 3600000.0, s.Values[model.TotalValOfAvax])
	assert.InDelta(t, 1.8, s.Values[model.CollateralizationRatio], 1e-12)

	// The trading scenario is independent.
	w = do(t, router, "GET", scenarioPath(ws.ID, "trading"), nil)
	assert.Equal(t, 30.0, decodeState(t, w).Values[model.AvaxPrice])
}

func TestEditScenario_NumericString(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "PATCH", scenarioPath(ws.ID, "trading"), map[string]any{
		model.AvaxPriceChange: "-25",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, -25.0, decodeState(t, w).Values[model.AvaxPriceChange])
}

func TestEditScenario_Rejected(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), map[string]any{
		model.AvaxPrice:          0,
		model.XAVAXInCirculation: "",
		model.Leverage:           5,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Error  string `json:"error"`
		Fields []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"fields"`
		State stateBody `json:"state"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	require.Len(t, resp.Fields, 3)
	assert.Equal(t, model.AvaxPrice, resp.Fields[0].Field)
	assert.Equal(t, "Value must be at least 1", resp.Fields[0].Message)
	assert.Equal(t, model.XAVAXInCirculation, resp.Fields[1].Field)
	assert.Equal(t, model.Leverage, resp.Fields[2].Field)
	assert.Equal(t, uint64(1), resp.State.Version)
	assert.Equal(t, 30.0, resp.State.Values[model.AvaxPrice])
}

func TestEditScenario_NonFinite(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), map[string]any{
		model.AvaxPrice:     1e200,
		model.DepositedAvax: 1e200,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestEditScenario_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), []int{1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Save / restore tests ---

func TestSaveAndRestore(t *testing.T) {
	st := store.NewMemoryStore()
	_, router := newTestEnv(t, st, nil)
	ws := createWorkspace(t, router, nil)

	do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), map[string]any{model.DepositedAvax: 120000})
	w := do(t, router, "POST", scenarioPath(ws.ID, "protocol")+"/save", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var saved simulation.SaveResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&saved))
	assert.True(t, saved.Persisted)
	assert.Equal(t, []string{ws.ID + "/protocol-simulation"}, st.Keys(ws.ID))

	// A fresh service on the same store restores the workspace on access.
	restartedSvc, restarted := newTestEnv(t, st, nil)
	w = do(t, restarted, "GET", scenarioPath(ws.ID, "protocol"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 120000.0, decodeState(t, w).Values[model.DepositedAvax])

	// The unsaved trading scenario comes back with defaults.
	w = do(t, restarted, "GET", scenarioPath(ws.ID, "trading"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, restartedSvc.Workspaces())
}

type failingStore struct{ *store.MemoryStore }

func (failingStore) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

func TestDeleteWorkspace(t *testing.T) {
	st := store.NewMemoryStore()
	svc, router := newTestEnv(t, st, nil)
	ws := createWorkspace(t, router, nil)
	other := createWorkspace(t, router, nil)

	for _, id := range []string{ws.ID, other.ID} {
		w := do(t, router, "POST", scenarioPath(id, "trading")+"/save", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, router, "DELETE", "/api/v1/workspaces/"+ws.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, svc.Workspaces())
	assert.Empty(t, st.Keys(ws.ID))
	assert.Len(t, st.Keys(other.ID), 1)

	w = do(t, router, "GET", scenarioPath(ws.ID, "trading"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Repeated and malformed deletes succeed.
	w = do(t, router, "DELETE", "/api/v1/workspaces/"+ws.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, "DELETE", "/api/v1/workspaces/not-a-uuid", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type undeletableStore struct{ *store.MemoryStore }

func (undeletableStore) Delete(context.Context, string) error {
	return errors.New("read-only replica")
}

func TestDeleteWorkspace_StoreFailure(t *testing.T) {
	_, router := newTestEnv(t, undeletableStore{store.NewMemoryStore()}, nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "DELETE", "/api/v1/workspaces/"+ws.ID, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSave_StoreFailure(t *testing.T) {
	_, router := newTestEnv(t, failingStore{store.NewMemoryStore()}, nil)
	ws := createWorkspace(t, router, nil)

	do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), map[string]any{model.AvaxPrice: 50})
	w := do(t, router, "POST", scenarioPath(ws.ID, "protocol")+"/save", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var saved simulation.SaveResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&saved))
	assert.False(t, saved.Persisted)
	assert.Contains(t, saved.Error, "disk full")
	assert.Equal(t, 50.0, saved.State.Values.Get(model.AvaxPrice))

	w = do(t, router, "GET", scenarioPath(ws.ID, "protocol"), nil)
	assert.Equal(t, 50.0, decodeState(t, w).Values[model.AvaxPrice])
}

func TestResetScenario(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	do(t, router, "PATCH", scenarioPath(ws.ID, "trading"), map[string]any{model.UserDepositedAvax: 5})
	w := do(t, router, "POST", scenarioPath(ws.ID, "trading")+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	s := decodeState(t, w)
	assert.Equal(t, uint64(3), s.Version)
	assert.Equal(t, 100.0, s.Values[model.UserDepositedAvax])
}

// --- Share tests ---

func TestShare_RoundTrip(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	do(t, router, "PATCH", scenarioPath(ws.ID, "trading"), map[string]any{model.AvaxPriceChange: 20})

	w := do(t, router, "GET", "/api/v1/workspaces/"+ws.ID+"/share", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var share simulation.ShareResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&share))
	assert.True(t, strings.HasPrefix(share.Fragment, "#protocol-simulation="))
	assert.Contains(t, share.Fragment, "&trading-simulation=")

	restored := createWorkspace(t, router, simulation.CreateWorkspaceRequest{Fragment: share.Fragment})
	assert.NotEqual(t, ws.ID, restored.ID)
	assert.Equal(t, 20.0, restored.Scenarios["trading"].Values.Get(model.AvaxPriceChange))
	assert.Equal(t, 30.0, restored.Scenarios["protocol"].Values.Get(model.AvaxPrice))
}

func TestCreateWorkspace_UnreadableTokenNotStored(t *testing.T) {
	st := store.NewMemoryStore()
	_, router := newTestEnv(t, st, nil)

	ws := createWorkspace(t, router, simulation.CreateWorkspaceRequest{
		Fragment: "#protocol-simulation=garbage&trading-simulation=%7B%22changeinAVAXPrice%22%3A-5%7D",
	})
	assert.Equal(t, []string{ws.ID + "/trading-simulation"}, st.Keys(ws.ID))
	assert.Equal(t, -5.0, ws.Scenarios["trading"].Values.Get(model.AvaxPriceChange))
}

func TestCreateWorkspace_StaleFragment(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)

	restored := createWorkspace(t, router, simulation.CreateWorkspaceRequest{
		Fragment: "#protocol-simulation=garbage&lending-simulation=%7B%7D",
	})
	assert.Equal(t, 30.0, restored.Scenarios["protocol"].Values.Get(model.AvaxPrice))
}

// --- Export tests ---

func TestExportScenario(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	ws := createWorkspace(t, router, nil)

	w := do(t, router, "GET", scenarioPath(ws.ID, "protocol")+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep struct {
		Scenario string `json:"scenario"`
		Entries  []struct {
			Label     string `json:"label"`
			Formatted string `json:"formatted"`
		} `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rep))
	assert.Equal(t, "protocol", rep.Scenario)
	require.Len(t, rep.Entries, len(model.ProtocolFields))
	assert.Equal(t, "Avax Price($)", rep.Entries[0].Label)
	assert.Equal(t, "30.00", rep.Entries[0].Formatted)

	w = do(t, router, "GET", scenarioPath(ws.ID, "protocol")+"/export?format=text", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "2700000.00")

	w = do(t, router, "GET", scenarioPath(ws.ID, "protocol")+"/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", scenarioPath(ws.ID, "protocol")+"/export?field="+model.XAVAXPrice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entry struct {
		Field     string `json:"field"`
		Formatted string `json:"formatted"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entry))
	assert.Equal(t, model.XAVAXPrice, entry.Field)
	assert.Equal(t, "1.2157", entry.Formatted)

	w = do(t, router, "GET", scenarioPath(ws.ID, "protocol")+"/export?field=xAVAXMinted", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListScenarios(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)

	w := do(t, router, "GET", "/api/v1/scenarios", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var infos []simulation.ScenarioInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "trading-simulation", infos[1].Key)
	require.Len(t, infos[1].Fields, len(model.TradingFields))

	var editable []string
	for _, f := range infos[1].Fields {
		if f.Editable {
			editable = append(editable, f.Field)
		}
	}
	assert.ElementsMatch(t, []string{
		model.AvaxPrice, model.DepositedAvax, model.AUSDInCirculation,
		model.XAVAXInCirculation, model.UserDepositedAvax, model.AvaxPriceChange,
	}, editable)
}

// --- WebSocket tests ---

func TestWebSocket_BroadcastsEdits(t *testing.T) {
	hub := simulation.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	_, router := newTestEnv(t, store.NewMemoryStore(), hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ws := createWorkspace(t, router, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 3*time.Second, 10*time.Millisecond)

	do(t, router, "PATCH", scenarioPath(ws.ID, "protocol"), map[string]any{model.AvaxPrice: 35})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg simulation.WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))

	assert.Equal(t, "scenario_updated", msg.Type)
	assert.Equal(t, ws.ID, msg.WorkspaceID)
	assert.Equal(t, "protocol", msg.Scenario)
	assert.True(t, msg.Converged)
	assert.Equal(t, 35.0, msg.Values.Get(model.AvaxPrice))
}

func TestWebSocket_ClosedAfterHubStops(t *testing.T) {
	hub := simulation.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	_, router := newTestEnv(t, store.NewMemoryStore(), hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The server drops the connection instead of leaving the handler blocked.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection left open: %v", err)
	}
	assert.Zero(t, hub.Clients())
}
