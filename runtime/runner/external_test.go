package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/runtime/a2a"
	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/fault"
	"github.com/stewardhq/steward/runtime/runner"
)

// fakeCaller records the request and returns a scripted response.
type fakeCaller struct {
	req  a2a.Request
	resp a2a.Response
	err  error
}

func (c *fakeCaller) Call(_ context.Context, req a2a.Request) (a2a.Response, error) {
	c.req = req
	if c.err != nil {
		return a2a.Response{}, c.err
	}
	return c.resp, nil
}

func staticDialer(c a2a.Caller) runner.Dialer {
	return func(string) (a2a.Caller, error) { return c, nil }
}

func externalAgent(endpoint string) *runner.Agent {
	a := testAgent(runner.TypeExternal)
	a.EndpointURL = endpoint
	return a
}

func TestExternalDelegatesAndAdoptsIdentifiers(t *testing.T) {
	// No discovery document published; the configured endpoint serves.
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	echo := &capsule.Capsule{DeliverableID: "d-remote", TaskID: "t-remote"}
	caller := &fakeCaller{resp: a2a.Response{
		Capsule: echo,
		Result:  json.RawMessage(`{"ok":true}`),
	}}
	r, err := runner.NewExternalRunner(staticDialer(caller))
	require.NoError(t, err)

	caps := testCapsule()
	require.NoError(t, caps.TryAssignTaskID("t-local"))

	resp, err := r.Run(context.Background(), &runner.Request{
		Capsule: caps,
		Agent:   externalAgent(srv.URL),
		Mode:    runner.ModeBuild,
		Action:  "create",
		Message: "build the report",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result.(json.RawMessage)))

	assert.Equal(t, "build", caller.req.Mode)
	assert.Equal(t, "create", caller.req.Action)
	assert.Equal(t, "build the report", caller.req.Payload["message"])

	snap := caps.Snapshot()
	// The remote deliverable identifier is adopted; the already assigned
	// task identifier stays.
	assert.Equal(t, "d-remote", snap.DeliverableID)
	assert.Equal(t, "t-local", snap.TaskID)
}

func TestExternalUsesDiscoveredEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(a2a.AgentCard{Name: "remote", URL: "https://real.example.com/rpc"})
	}))
	defer srv.Close()

	var dialed string
	caller := &fakeCaller{resp: a2a.Response{}}
	dial := func(endpoint string) (a2a.Caller, error) {
		dialed = endpoint
		return caller, nil
	}
	r, err := runner.NewExternalRunner(dial)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(),
		Agent:   externalAgent(srv.URL),
		Mode:    runner.ModeConverse,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://real.example.com/rpc", dialed)
	// Unset action defaults on the wire.
	assert.Equal(t, "run", caller.req.Action)
}

func TestExternalRemoteFaultPropagates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	remoteErr := (&a2a.Error{Code: a2a.CodeConflict, Message: "busy"}).Fault()
	r, err := runner.NewExternalRunner(staticDialer(&fakeCaller{err: remoteErr}))
	require.NoError(t, err)

	_, err = r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(),
		Agent:   externalAgent(srv.URL),
		Mode:    runner.ModePlan,
	})
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestExternalWithoutEndpointIsUnconfigured(t *testing.T) {
	r, err := runner.NewExternalRunner(staticDialer(&fakeCaller{}))
	require.NoError(t, err)

	_, err = r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(),
		Agent:   testAgent(runner.TypeExternal),
		Mode:    runner.ModeConverse,
	})
	assert.Equal(t, fault.KindUnconfigured, fault.KindOf(err))
}

func TestExternalDialFailureIsUnconfigured(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r, err := runner.NewExternalRunner(func(string) (a2a.Caller, error) {
		return nil, errors.New("no route")
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), &runner.Request{
		Capsule: testCapsule(),
		Agent:   externalAgent(srv.URL),
		Mode:    runner.ModeConverse,
	})
	assert.Equal(t, fault.KindUnconfigured, fault.KindOf(err))
}
