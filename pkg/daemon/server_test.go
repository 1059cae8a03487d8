package daemon_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetvm/fleetvm/pkg/api"
	"github.com/fleetvm/fleetvm/pkg/daemon"
	"github.com/fleetvm/fleetvm/pkg/machine"
)

func testDaemon(t *testing.T, factory *fakeFactory, imageURL string) *daemon.Daemon {
	t.Helper()
	p := testPipeline(t, factory, imageURL)
	return &daemon.Daemon{
		Registry:   p.Registry,
		Factory:    factory,
		Downloader: p.Downloader,
		Catalog:    p.Catalog,
		OptIn:      p.OptIn,
		Pipeline:   p,
	}
}

func TestServerStatus(t *testing.T) {
	srv := imageServer(t)
	d := testDaemon(t, &fakeFactory{}, srv.URL+"/jammy.img")
	ts := httptest.NewServer(daemon.NewServer(d).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, "fake", status["backend"])
}

func TestServerLaunchStreamsReplies(t *testing.T) {
	srv := imageServer(t)
	d := testDaemon(t, &fakeFactory{}, srv.URL+"/jammy.img")
	ts := httptest.NewServer(daemon.NewServer(d).Handler())
	defer ts.Close()

	body, err := json.Marshal(api.LaunchRequest{InstanceName: "test1"})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/launch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var replies []*api.LaunchReply
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		var reply api.LaunchReply
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &reply))
		replies = append(replies, &reply)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, replies)

	last := replies[len(replies)-1]
	require.True(t, last.Terminal())
	require.NotNil(t, last.Done)
	assert.Equal(t, "test1", last.Done.InstanceName)

	var sawProgress bool
	for _, r := range replies {
		if r.Progress != nil {
			sawProgress = true
		}
	}
	assert.True(t, sawProgress)
}

func TestServerLaunchValidationFailure(t *testing.T) {
	srv := imageServer(t)
	d := testDaemon(t, &fakeFactory{}, srv.URL+"/jammy.img")
	ts := httptest.NewServer(daemon.NewServer(d).Handler())
	defer ts.Close()

	body, _ := json.Marshal(api.LaunchRequest{MemSize: "lots"})
	resp, err := http.Post(ts.URL+"/v1/launch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply api.LaunchReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.NotNil(t, reply.Failure)
	require.Len(t, reply.Failure.Errors, 1)
	assert.Equal(t, api.ErrorInvalidMemSize, reply.Failure.Errors[0].Code)
}

func TestServerLifecycleEndpoints(t *testing.T) {
	srv := imageServer(t)
	factory := &fakeFactory{}
	d := testDaemon(t, factory, srv.URL+"/jammy.img")
	ts := httptest.NewServer(daemon.NewServer(d).Handler())
	defer ts.Close()

	body, _ := json.Marshal(api.LaunchRequest{InstanceName: "test1"})
	resp, err := http.Post(ts.URL+"/v1/launch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	// List shows the new instance.
	resp, err = http.Get(ts.URL + "/v1/instances")
	require.NoError(t, err)
	var infos []api.InstanceInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	resp.Body.Close()
	require.Len(t, infos, 1)
	assert.Equal(t, "test1", infos[0].Name)
	assert.Equal(t, string(machine.StateRunning), infos[0].State)

	// Stop it.
	resp, err = http.Post(ts.URL+"/v1/instances/test1/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	inst, err := d.Registry.Get("test1")
	require.NoError(t, err)
	assert.Equal(t, machine.StateStopped, inst.VM.CurrentState())

	// Start it again.
	resp, err = http.Post(ts.URL+"/v1/instances/test1/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, machine.StateRunning, inst.VM.CurrentState())

	// Suspend, then delete.
	resp, err = http.Post(ts.URL+"/v1/instances/test1/suspend", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, machine.StateSuspended, inst.VM.CurrentState())

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/instances/test1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, d.Registry.Exists("test1"))
	require.Len(t, factory.machines, 1)
	assert.True(t, factory.machines[0].deleted)
}

func TestServerUnknownInstance(t *testing.T) {
	srv := imageServer(t)
	d := testDaemon(t, &fakeFactory{}, srv.URL+"/jammy.img")
	ts := httptest.NewServer(daemon.NewServer(d).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/instances/ghost/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerOptInEndpoint(t *testing.T) {
	srv := imageServer(t)
	d := testDaemon(t, &fakeFactory{}, srv.URL+"/jammy.img")
	ts := httptest.NewServer(daemon.NewServer(d).Handler())
	defer ts.Close()

	body, _ := json.Marshal(api.OptInReply{Status: api.OptInDenied})
	resp, err := http.Post(ts.URL+"/v1/metrics-opt-in", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, d.OptIn.Decided())
	assert.Equal(t, api.OptInDenied, d.OptIn.Status())
}
