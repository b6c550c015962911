package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthiasValvekens/usbip-orchestrator/clients"
	"github.com/MatthiasValvekens/usbip-orchestrator/orchestrator"
)

type call struct {
	op       string
	busId    string
	clientId string
}

type fakeOrchestrator struct {
	calls []call
	err   error
	snap  orchestrator.Snapshot
}

func (f *fakeOrchestrator) Assign(_ context.Context, busId, clientId string) error {
	f.calls = append(f.calls, call{op: "assign", busId: busId, clientId: clientId})
	return f.err
}

func (f *fakeOrchestrator) AssignAll(_ context.Context, clientId string) error {
	f.calls = append(f.calls, call{op: "assign_all", clientId: clientId})
	return f.err
}

func (f *fakeOrchestrator) ForceFree(_ context.Context, busId string) error {
	f.calls = append(f.calls, call{op: "force_free", busId: busId})
	return f.err
}

func (f *fakeOrchestrator) ForceReattach(_ context.Context, busId string) error {
	f.calls = append(f.calls, call{op: "force_reattach", busId: busId})
	return f.err
}

func (f *fakeOrchestrator) GetSnapshot(_ context.Context) (orchestrator.Snapshot, error) {
	return f.snap, f.err
}

type fakeLister struct {
	infos []clients.ClientInfo
}

func (f *fakeLister) Clients() []clients.ClientInfo {
	return f.infos
}

func newServer(orch *fakeOrchestrator, lister *fakeLister) *httptest.Server {
	mux := http.NewServeMux()
	NewAPI(orch, lister, nil).Register(mux)
	return httptest.NewServer(mux)
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestAssignEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/devices/1-1.4/assign", `{"client_id": "alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "assigned", body["status"])
	require.Len(t, orch.calls, 1)
	assert.Equal(t, call{op: "assign", busId: "1-1.4", clientId: "alice"}, orch.calls[0])
}

func TestAssignNoneReportsUnassigned(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/devices/1-1/assign", `{"client_id": "none"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unassigned", body["status"])
}

func TestAssignBadBody(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/devices/1-1/assign", `{nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, orch.calls)
}

func TestErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{name: "unknown port", err: errors.Wrap(orchestrator.ErrNotWhitelisted, "cannot assign 9-9"), want: http.StatusNotFound},
		{name: "bad client", err: errors.Wrap(orchestrator.ErrInvalidClient, "bad id"), want: http.StatusBadRequest},
		{name: "internal", err: errors.New("disk on fire"), want: http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			orch := &fakeOrchestrator{err: tc.err}
			srv := newServer(orch, &fakeLister{})
			defer srv.Close()

			resp, body := doJSON(t, http.MethodPost, srv.URL+"/devices/9-9/assign", `{"client_id": "alice"}`)
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestForceFreeEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/devices/1-1/force_free", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "freed", body["status"])
	require.Len(t, orch.calls, 1)
	assert.Equal(t, "force_free", orch.calls[0].op)
}

func TestForceReattachEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/devices/1-1/force_reattach", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reattaching", body["status"])
}

func TestAssignAllEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/assign_all", `{"client_id": "alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, orch.calls, 1)
	assert.Equal(t, call{op: "assign_all", clientId: "alice"}, orch.calls[0])
}

func TestDevicesEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{snap: orchestrator.Snapshot{Ports: []orchestrator.PortStatus{
		{BusID: "1-1", Present: true, Bound: true, AssignedClient: "alice", RemoteStateStr: "attached"},
	}}}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devices")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ports []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ports))
	require.Len(t, ports, 1)
	assert.Equal(t, "1-1", ports[0]["busid"])
	assert.Equal(t, "alice", ports[0]["assigned_to"])
	assert.Equal(t, "attached", ports[0]["remote_state"])
}

func TestSingleDeviceEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{snap: orchestrator.Snapshot{Ports: []orchestrator.PortStatus{
		{BusID: "1-1", Present: true, RemoteStateStr: "detached"},
		{BusID: "3-2", Present: true, AssignedClient: "bob", RemoteStateStr: "attached"},
	}}}
	srv := newServer(orch, &fakeLister{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devices/3-2")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var port map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&port))
	assert.Equal(t, "3-2", port["busid"])
	assert.Equal(t, "bob", port["assigned_to"])

	resp, err = http.Get(srv.URL + "/devices/9-9")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientsEndpoint(t *testing.T) {
	lister := &fakeLister{infos: []clients.ClientInfo{
		{ClientID: "alice", RemoteAddr: "10.0.0.2:51234", Connected: true, LastSeen: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)},
		{ClientID: "bob", Connected: false},
	}}
	srv := newServer(&fakeOrchestrator{}, lister)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/clients")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", rows[0]["client_id"])
	assert.Equal(t, true, rows[0]["connected"])
	assert.Equal(t, "2026-03-14T09:26:53Z", rows[0]["last_seen"])
	assert.Equal(t, false, rows[1]["connected"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(&fakeOrchestrator{}, &fakeLister{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/devices/1-1/assign")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
