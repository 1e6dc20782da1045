package netmaker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/plugins/docker"
)

const psOutput = `{"ID":"1","Names":"netmaker","Image":"gravitl/netmaker:v0.21","Status":"Up 2 hours","State":"running","Labels":"com.docker.compose.service=netmaker,netmaker.network=mesh","Networks":"netmaker_default"}
{"ID":"2","Names":"nm-client-1","Image":"gravitl/netclient:v0.21","Status":"Exited (1) 5 minutes ago","State":"exited","Labels":"","Networks":"host"}
{"ID":"3","Names":"ingress","Image":"traefik:v2.10","Status":"Up 2 hours","State":"running","Labels":"netmaker.role=ingress,netmaker.node_id=n-9,netmaker.network=mesh","Networks":"netmaker_default"}
{"ID":"4","Names":"web","Image":"nginx","Status":"Up 1 hour","State":"running","Labels":"","Networks":"bridge"}
`

func newFake() *executor.Fake {
	return executor.NewFake().
		On("docker info --format {{.ServerVersion}}", "24.0.7").
		On("docker ps -a --no-trunc --format {{json .}}", psOutput).
		On("docker inspect --format {{json .Config.Env}} netmaker", `["NODE_ID=n-1"]`).
		On("docker inspect --format {{json .Config.Env}} nm-client-1", `["NETMAKER_NETWORK=mesh","NODE_ID=n-2"]`)
}

func TestQueryFiltersAndEnriches(t *testing.T) {
	raw, err := New(newFake()).QueryCurrentState(context.Background())
	require.NoError(t, err)

	var state NetmakerConfig
	require.NoError(t, json.Unmarshal(raw, &state))
	require.Len(t, state.Containers, 3)

	byName := map[string]NetmakerContainer{}
	for _, c := range state.Containers {
		byName[c.Name] = c
	}
	assert.NotContains(t, byName, "web")

	server := byName["netmaker"]
	assert.Equal(t, "server", server.NetmakerRole)
	assert.Equal(t, "mesh", server.NetmakerNetwork)
	assert.Equal(t, "n-1", server.NodeID)

	client := byName["nm-client-1"]
	assert.Equal(t, "client", client.NetmakerRole)
	assert.Equal(t, "mesh", client.NetmakerNetwork)
	assert.Equal(t, "n-2", client.NodeID)

	ingress := byName["ingress"]
	assert.Equal(t, "ingress", ingress.NetmakerRole)
	assert.Equal(t, "n-9", ingress.NodeID)

	require.NotNil(t, state.NetworkAnalysis)
	assert.Equal(t, 3, state.NetworkAnalysis.TotalNodes)
	assert.Equal(t, 2, state.NetworkAnalysis.ConnectedNodes)
	assert.Equal(t, []string{"ingress", "netmaker", "nm-client-1"}, state.NetworkAnalysis.NetworkTopology["mesh"])
	assert.Equal(t, 0.5, state.NetworkAnalysis.ConnectivityHealth["nm-client-1"])
	assert.Equal(t, 1.0, state.NetworkAnalysis.ConnectivityHealth["netmaker"])
}

func TestQueryDaemonUnavailable(t *testing.T) {
	fake := executor.NewFake().Missing("docker")

	raw, err := New(fake).QueryCurrentState(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"containers":[],"error":"Docker daemon not available"}`, string(raw))
}

func TestIsNetmaker(t *testing.T) {
	tests := []struct {
		container docker.ContainerConfig
		want      bool
	}{
		{docker.ContainerConfig{Name: "x", Labels: map[string]string{"netmaker.role": "egress"}}, true},
		{docker.ContainerConfig{Name: "x", Labels: map[string]string{"com.docker.compose.service": "api", "com.docker.compose.project": "netmaker"}}, true},
		{docker.ContainerConfig{Name: "x", Labels: map[string]string{"com.docker.compose.service": "api"}}, false},
		{docker.ContainerConfig{Name: "x", Image: "gravitl/netclient"}, true},
		{docker.ContainerConfig{Name: "nm-relay", Image: "alpine"}, true},
		{docker.ContainerConfig{Name: "postgres", Image: "postgres:16"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNetmaker(tt.container), "%+v", tt.container)
	}
}

func TestCalculateDiff(t *testing.T) {
	p := New(executor.NewFake())
	current := json.RawMessage(`{"containers":[
		{"name":"netmaker","image":"gravitl/netmaker","state":"running","netmaker_role":"server","netmaker_network":"mesh"},
		{"name":"nm-client-1","state":"exited","netmaker_role":"client","netmaker_network":"mesh"}
	]}`)

	t.Run("no filters", func(t *testing.T) {
		desired := json.RawMessage(`{"containers":[{"name":"netmaker","netmaker_network":"mesh2"},{"name":"nm-egress"}]}`)
		diff, err := p.CalculateDiff(context.Background(), current, desired)
		require.NoError(t, err)

		require.Len(t, diff.Actions, 3)
		assert.Equal(t, engine.ActionModify, diff.Actions[0].Type)
		assert.Equal(t, "netmaker_container:netmaker", diff.Actions[0].Resource)
		assert.Equal(t, engine.ActionCreate, diff.Actions[1].Type)
		assert.Equal(t, "netmaker_container:nm-egress", diff.Actions[1].Resource)
		assert.Equal(t, engine.DeleteAction("netmaker_container:nm-client-1"), diff.Actions[2])
	})

	t.Run("filters scope removals", func(t *testing.T) {
		desired := json.RawMessage(`{"containers":[{"name":"netmaker","state":"running"}],"filters":{"netmaker_role":"server"}}`)
		diff, err := p.CalculateDiff(context.Background(), current, desired)
		require.NoError(t, err)
		assert.True(t, diff.Empty())
	})
}

func TestCalculateDiffIdempotent(t *testing.T) {
	p := New(executor.NewFake())

	tests := map[string]string{
		"empty": `{"containers":[]}`,
		"server and client": `{"containers":[
			{"name":"netmaker","image":"gravitl/netmaker:v0.21","state":"running","netmaker_role":"server","netmaker_network":"mesh","node_id":"n-1"},
			{"name":"nm-client-1","netmaker_role":"client","node_id":"n-2"}]}`,
		"with filters": `{"containers":[{"name":"ingress","netmaker_role":"ingress"}],
			"filters":{"netmaker_role":"ingress"}}`,
	}
	for name, state := range tests {
		t.Run(name, func(t *testing.T) {
			diff, err := p.CalculateDiff(context.Background(), json.RawMessage(state), json.RawMessage(state))
			require.NoError(t, err)
			assert.True(t, diff.Empty(), "unexpected actions: %+v", diff.Actions)
		})
	}

	t.Run("queried state", func(t *testing.T) {
		raw, err := New(newFake()).QueryCurrentState(context.Background())
		require.NoError(t, err)

		diff, err := p.CalculateDiff(context.Background(), raw, raw)
		require.NoError(t, err)
		assert.True(t, diff.Empty(), "unexpected actions: %+v", diff.Actions)
	})
}

func TestRollbackRejectsForeignCheckpoint(t *testing.T) {
	p := New(executor.NewFake())
	assert.Error(t, p.Rollback(context.Background(), nil))
	assert.Error(t, p.Rollback(context.Background(), &engine.Checkpoint{ID: "docker-1", Plugin: "docker"}))
}

func TestApplyVerifyRollback(t *testing.T) {
	fake := newFake()
	p := New(fake)
	ctx := context.Background()

	diff := engine.NewStateDiff(Name, []engine.StateAction{
		engine.ModifyAction("netmaker_container:netmaker", map[string]string{"name": "netmaker"}),
		engine.DeleteAction("netmaker_container:old"),
	}, nil, nil)
	res, err := p.ApplyState(ctx, diff)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{
		"Tracked netmaker container: netmaker_container:netmaker",
		"Noted netmaker container removal: netmaker_container:old",
	}, res.ChangesApplied)

	ok, err := p.VerifyState(ctx, json.RawMessage(`{"containers":[{"name":"ingress"}]}`))
	require.NoError(t, err)
	assert.True(t, ok)

	cp, err := p.CreateCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, Name, cp.Plugin)
	assert.NoError(t, p.Rollback(ctx, cp))
}
