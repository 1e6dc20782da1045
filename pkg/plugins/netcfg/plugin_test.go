package netcfg

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/plugins/internal/pluginkit"
)

const routeTable = `default via 192.168.1.1 dev eth0 proto dhcp metric 100
10.0.0.0/8 via 172.16.0.1 dev ovsbr0
169.254.0.0/16 via 192.168.1.1 dev eth0
192.168.1.0/24 dev eth0 proto kernel scope link src 192.168.1.10
`

func newTestPlugin(fake *executor.Fake) *Plugin {
	return New(fake, WithHostnamePath("/etc/hostname"), WithResolvConfPath("/etc/resolv.conf"))
}

func TestParseRoutes(t *testing.T) {
	routes := parseRoutes(routeTable)
	assert.Equal(t, []RouteConfig{
		{Destination: "default", Gateway: "192.168.1.1", Interface: "eth0", Metric: 100},
		{Destination: "10.0.0.0/8", Gateway: "172.16.0.1", Interface: "ovsbr0"},
		{Destination: "169.254.0.0/16", Gateway: "192.168.1.1", Interface: "eth0"},
	}, routes)
}

func TestParseFlows(t *testing.T) {
	out := "NXST_FLOW reply (xid=0x4):\n" +
		" cookie=0x0, priority=300,ip,nw_dst=10.0.0.0/8 actions=drop\n" +
		" table=1, priority=250,tcp,tp_dst=22 actions=output:2\n" +
		" actions=NORMAL\n"

	flows := parseFlows("br0", out)
	assert.Equal(t, []OVSFlowConfig{
		{Bridge: "br0", Priority: 300, MatchRule: "ip,nw_dst=10.0.0.0/8", Actions: "drop"},
		{Bridge: "br0", Priority: 250, MatchRule: "table=1,tcp,tp_dst=22", Actions: "output:2"},
		{Bridge: "br0", Priority: defaultFlowPriority, Actions: "NORMAL"},
	}, flows)
}

func TestQueryCurrentState(t *testing.T) {
	fake := executor.NewFake().
		On("ip route show", routeTable).
		On("ovs-vsctl list-br", "br0\n").
		On("ovs-ofctl dump-flows br0 --no-stats", " priority=0 actions=NORMAL\n priority=300,ip actions=drop\n").
		SetFile("/etc/hostname", "edge-1\n").
		SetFile("/etc/resolv.conf", "nameserver 1.1.1.1\nsearch lab.local corp.local\n")

	raw, err := newTestPlugin(fake).QueryCurrentState(context.Background())
	require.NoError(t, err)

	var state NetcfgConfig
	require.NoError(t, json.Unmarshal(raw, &state))
	require.NotNil(t, state.Routing)
	assert.Len(t, *state.Routing, 3)
	require.NotNil(t, state.OVSFlows)
	assert.Equal(t, []OVSFlowConfig{{Bridge: "br0", Priority: 300, MatchRule: "ip", Actions: "drop"}}, *state.OVSFlows)
	require.NotNil(t, state.DNS)
	assert.Equal(t, "edge-1", state.DNS.Hostname)
	assert.Equal(t, []string{"lab.local", "corp.local"}, state.DNS.SearchDomains)
}

func TestQueryWithoutOVS(t *testing.T) {
	fake := executor.NewFake().Missing("ovs-vsctl")

	raw, err := newTestPlugin(fake).QueryCurrentState(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"routing":[],"ovs_flows":[],"dns":{}}`, string(raw))
}

func TestCalculateDiffOnlySpecifiedSections(t *testing.T) {
	p := newTestPlugin(executor.NewFake())
	current := mustEncode(t, NetcfgConfig{
		Routing: &[]RouteConfig{
			{Destination: "default", Gateway: "192.168.1.1"},
			{Destination: "10.0.0.0/8", Gateway: "172.16.0.1", Interface: "ovsbr0", Metric: 10},
		},
		OVSFlows: &[]OVSFlowConfig{},
		DNS:      &DNSConfig{Hostname: "edge-1"},
	})

	tests := []struct {
		name      string
		desired   string
		resources []string
	}{
		{name: "empty desired", desired: `{}`},
		{name: "matching hostname", desired: `{"dns":{"hostname":"edge-1"}}`},
		{name: "matching routes ignore default", desired: `{"routing":[{"destination":"10.0.0.0/8","gateway":"172.16.0.1"}]}`},
		{name: "no routes removes custom route", desired: `{"routing":[]}`, resources: []string{ResourceRouting}},
		{name: "gateway changed", desired: `{"routing":[{"destination":"10.0.0.0/8","gateway":"172.16.0.2"}]}`, resources: []string{ResourceRouting}},
		{name: "metric changed", desired: `{"routing":[{"destination":"10.0.0.0/8","gateway":"172.16.0.1","metric":20}]}`, resources: []string{ResourceRouting}},
		{
			name:      "flows and dns",
			desired:   `{"ovs_flows":[{"bridge":"br0","priority":200,"match_rule":"ip","actions":"drop"}],"dns":{"hostname":"edge-2"}}`,
			resources: []string{ResourceOVSFlows, ResourceDNS},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff, err := p.CalculateDiff(context.Background(), current, json.RawMessage(tt.desired))
			require.NoError(t, err)

			var resources []string
			for _, a := range diff.Actions {
				assert.Equal(t, engine.ActionModify, a.Type)
				resources = append(resources, a.Resource)
			}
			assert.Equal(t, tt.resources, resources)
		})
	}
}

func TestCalculateDiffCarriesOldAndNew(t *testing.T) {
	p := newTestPlugin(executor.NewFake())
	current := json.RawMessage(`{"routing":[],"ovs_flows":[],"dns":{"hostname":"old"}}`)
	desired := json.RawMessage(`{"dns":{"hostname":"new"}}`)

	diff, err := p.CalculateDiff(context.Background(), current, desired)
	require.NoError(t, err)
	require.Len(t, diff.Actions, 1)

	var changes pluginkit.Changes
	require.NoError(t, json.Unmarshal(diff.Actions[0].Changes, &changes))
	assert.JSONEq(t, `{"hostname":"old"}`, string(changes.Old))
	assert.JSONEq(t, `{"hostname":"new"}`, string(changes.New))
}

func TestCalculateDiffRejectsInvalidDesired(t *testing.T) {
	p := newTestPlugin(executor.NewFake())
	current := json.RawMessage(`{"routing":[],"ovs_flows":[]}`)

	tests := map[string]string{
		"route without gateway": `{"routing":[{"destination":"10.0.0.0/8"}]}`,
		"bad gateway":           `{"routing":[{"destination":"10.0.0.0/8","gateway":"router"}]}`,
		"flow below floor":      `{"ovs_flows":[{"bridge":"br0","priority":100,"actions":"drop"}]}`,
		"flow without actions":  `{"ovs_flows":[{"bridge":"br0","priority":300}]}`,
		"bad hostname":          `{"dns":{"hostname":"not a host"}}`,
	}
	for name, desired := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.CalculateDiff(context.Background(), current, json.RawMessage(desired))
			assert.Error(t, err)
		})
	}
}

func TestApplyRoutes(t *testing.T) {
	fake := executor.NewFake().On("ip route show", routeTable)
	p := newTestPlugin(fake)

	diff := modifyDiff(t, ResourceRouting, []RouteConfig{
		{Destination: "172.20.0.0/16", Gateway: "10.0.0.1", Interface: "br0", Metric: 50},
	})
	res, err := p.ApplyState(context.Background(), diff)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"Applied 1 routes"}, res.ChangesApplied)

	assert.Equal(t, []string{
		"ip route show",
		"ip route del 10.0.0.0/8 via 172.16.0.1 dev ovsbr0",
		"ip route replace 172.20.0.0/16 via 10.0.0.1 dev br0 metric 50",
	}, fake.CallsWithPrefix("ip "))
}

func TestApplyRoutesDeletesOnlyTheStaleEntry(t *testing.T) {
	fake := executor.NewFake().On("ip route show",
		"10.0.0.0/8 via 172.16.0.1 dev ovsbr0\n10.0.0.0/8 via 172.16.0.2 dev eth1 metric 200\n")
	p := newTestPlugin(fake)

	diff := modifyDiff(t, ResourceRouting, []RouteConfig{
		{Destination: "10.0.0.0/8", Gateway: "172.16.0.1"},
	})
	res, err := p.ApplyState(context.Background(), diff)
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, []string{
		"ip route show",
		"ip route del 10.0.0.0/8 via 172.16.0.2 dev eth1 metric 200",
	}, fake.CallsWithPrefix("ip "))
}

func TestMatchRoutesTreatsRoutesAsMultiset(t *testing.T) {
	cur := []RouteConfig{
		{Destination: "default", Gateway: "192.168.1.1", Interface: "eth0", Metric: 100},
		{Destination: "default", Gateway: "10.0.0.1", Interface: "wlan0", Metric: 600},
		{Destination: "10.0.0.0/8", Gateway: "172.16.0.1", Interface: "ovsbr0", Metric: 10},
		{Destination: "10.0.0.0/8", Gateway: "172.16.0.1", Interface: "ovsbr1", Metric: 20},
	}

	tests := []struct {
		name    string
		want    []RouteConfig
		missing []RouteConfig
		stale   []RouteConfig
	}{
		{
			name: "both defaults and both prefixes",
			want: cur,
		},
		{
			name: "wildcard does not take the specific entry",
			want: []RouteConfig{
				{Destination: "10.0.0.0/8", Gateway: "172.16.0.1"},
				{Destination: "10.0.0.0/8", Gateway: "172.16.0.1", Interface: "ovsbr0"},
			},
		},
		{
			name:  "one prefix left over",
			want:  []RouteConfig{{Destination: "10.0.0.0/8", Gateway: "172.16.0.1", Metric: 20}},
			stale: []RouteConfig{cur[2]},
		},
		{
			name: "duplicate want needs a second entry",
			want: []RouteConfig{
				{Destination: "default", Gateway: "10.0.0.1"},
				{Destination: "default", Gateway: "10.0.0.1"},
			},
			missing: []RouteConfig{{Destination: "default", Gateway: "10.0.0.1"}},
			stale:   []RouteConfig{cur[2], cur[3]},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			missing, stale := matchRoutes(cur, tt.want)
			assert.Equal(t, tt.missing, missing)
			assert.Equal(t, tt.stale, stale)
		})
	}
}

func TestQueriedRoutesAreStable(t *testing.T) {
	fake := executor.NewFake().
		Missing("ovs-vsctl").
		On("ip route show", "default via 192.168.1.1 dev eth0 metric 100\n"+
			"default via 10.0.0.1 dev wlan0 metric 600\n"+
			"10.0.0.0/8 via 172.16.0.1 dev ovsbr0\n").
		SetFile("/etc/hostname", "edge-1\n")
	p := newTestPlugin(fake)
	ctx := context.Background()

	raw, err := p.QueryCurrentState(ctx)
	require.NoError(t, err)
	var state NetcfgConfig
	require.NoError(t, json.Unmarshal(raw, &state))
	require.Len(t, *state.Routing, 3)

	diff, err := p.CalculateDiff(ctx, raw, raw)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestCalculateDiffIdempotent(t *testing.T) {
	p := newTestPlugin(executor.NewFake())

	tests := map[string]string{
		"empty":    `{}`,
		"no routes": `{"routing":[]}`,
		"two default routes": `{"routing":[
			{"destination":"default","gateway":"192.168.1.1","interface":"eth0","metric":100},
			{"destination":"default","gateway":"10.0.0.1","interface":"wlan0","metric":600}]}`,
		"same destination twice": `{"routing":[
			{"destination":"10.0.0.0/8","gateway":"172.16.0.1","interface":"ovsbr0"},
			{"destination":"10.0.0.0/8","gateway":"172.16.0.2","metric":50}]}`,
		"flows": `{"ovs_flows":[
			{"bridge":"br0","priority":300,"match_rule":"ip,nw_dst=10.0.0.0/8","actions":"drop"},
			{"bridge":"br0","priority":250,"match_rule":"arp","actions":"NORMAL"}]}`,
		"dns": `{"dns":{"hostname":"edge-1","search_domains":["lab.local","corp.local"]}}`,
		"everything": `{"routing":[{"destination":"172.20.0.0/16","gateway":"10.0.0.1"}],
			"ovs_flows":[],"dns":{"hostname":"edge-2"}}`,
	}
	for name, state := range tests {
		t.Run(name, func(t *testing.T) {
			diff, err := p.CalculateDiff(context.Background(), json.RawMessage(state), json.RawMessage(state))
			require.NoError(t, err)
			assert.True(t, diff.Empty(), "unexpected actions: %+v", diff.Actions)
		})
	}
}

func TestApplyFlows(t *testing.T) {
	fake := executor.NewFake().
		On("ovs-vsctl list-br", "br0\n").
		On("ovs-ofctl dump-flows br0 --no-stats", " priority=0 actions=NORMAL\n priority=300,ip,nw_dst=10.0.0.0/8 actions=drop\n priority=250,arp actions=NORMAL\n")
	p := newTestPlugin(fake)

	diff := modifyDiff(t, ResourceOVSFlows, []OVSFlowConfig{
		{Bridge: "br0", Priority: 250, MatchRule: "arp", Actions: "NORMAL"},
		{Bridge: "br0", Priority: 200, MatchRule: "tcp,tp_dst=22", Actions: "drop"},
	})
	res, err := p.ApplyState(context.Background(), diff)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"Applied 2 OVS flows"}, res.ChangesApplied)

	assert.Equal(t, []string{
		"ovs-ofctl dump-flows br0 --no-stats",
		"ovs-ofctl --strict del-flows br0 priority=300,ip,nw_dst=10.0.0.0/8",
		"ovs-ofctl add-flow br0 priority=200,tcp,tp_dst=22,actions=drop",
	}, fake.CallsWithPrefix("ovs-ofctl"))
	assert.Contains(t, fake.Calls(), "ovs-vsctl br-exists br0")
}

func TestApplyFlowsMissingBridge(t *testing.T) {
	fake := executor.NewFake().Fail("ovs-vsctl br-exists br9", 2, "")
	p := newTestPlugin(fake)

	diff := modifyDiff(t, ResourceOVSFlows, []OVSFlowConfig{
		{Bridge: "br9", Priority: 300, MatchRule: "ip", Actions: "drop"},
	})
	res, err := p.ApplyState(context.Background(), diff)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "OVS bridge 'br9' does not exist")
	assert.Empty(t, fake.CallsWithPrefix("ovs-ofctl add-flow"))
}

func TestApplyDNS(t *testing.T) {
	fake := executor.NewFake().
		SetFile("/etc/resolv.conf", "search old.local\nnameserver 10.0.0.53\n")
	p := newTestPlugin(fake)

	diff := modifyDiff(t, ResourceDNS, DNSConfig{Hostname: "edge-2", SearchDomains: []string{"lab.local"}})
	res, err := p.ApplyState(context.Background(), diff)
	require.NoError(t, err)
	assert.True(t, res.Success)

	hostname, _ := fake.File("/etc/hostname")
	assert.Equal(t, "edge-2\n", hostname)
	resolv, _ := fake.File("/etc/resolv.conf")
	assert.Equal(t, "search lab.local\nnameserver 10.0.0.53\n", resolv)
	assert.Equal(t, []string{"hostnamectl set-hostname edge-2"}, fake.CallsWithPrefix("hostnamectl"))
}

func TestVerifyState(t *testing.T) {
	fake := executor.NewFake().
		Missing("ovs-vsctl").
		SetFile("/etc/hostname", "edge-1\n")
	p := newTestPlugin(fake)

	ok, err := p.VerifyState(context.Background(), json.RawMessage(`{"dns":{"hostname":"edge-1"}}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.VerifyState(context.Background(), json.RawMessage(`{"dns":{"hostname":"edge-9"}}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointAndRollback(t *testing.T) {
	fake := executor.NewFake().
		Missing("ovs-vsctl").
		On("ip route show", "10.0.0.0/8 via 172.16.0.1 dev ovsbr0\n").
		On("ip route show", "172.20.0.0/16 via 10.0.0.1\n").
		SetFile("/etc/hostname", "edge-1\n")
	p := newTestPlugin(fake)
	ctx := context.Background()

	cp, err := p.CreateCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, Name, cp.Plugin)

	fake.SetFile("/etc/hostname", "edge-2\n")
	require.NoError(t, p.Rollback(ctx, cp))

	assert.Contains(t, fake.Calls(), "ip route del 172.20.0.0/16 via 10.0.0.1")
	assert.Contains(t, fake.Calls(), "ip route replace 10.0.0.0/8 via 172.16.0.1 dev ovsbr0")
	hostname, _ := fake.File("/etc/hostname")
	assert.Equal(t, "edge-1\n", hostname)
	assert.Contains(t, fake.Calls(), "hostnamectl set-hostname edge-1")
}

func TestRollbackRejectsForeignCheckpoint(t *testing.T) {
	fake := executor.NewFake().On("ip route show", "10.0.0.0/8 via 172.16.0.1 dev ovsbr0\n")
	p := newTestPlugin(fake)

	tests := map[string]*engine.Checkpoint{
		"nil": nil,
		"network checkpoint": {
			ID:            "network-1",
			Plugin:        "network",
			StateSnapshot: json.RawMessage(`{"state":{"interfaces":[]},"files":{}}`),
		},
		"unowned": {ID: "x", StateSnapshot: json.RawMessage(`{"routing":[]}`)},
	}
	for name, cp := range tests {
		t.Run(name, func(t *testing.T) {
			err := p.Rollback(context.Background(), cp)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid checkpoint")
		})
	}
	assert.Empty(t, fake.Calls())
}

func modifyDiff(t *testing.T, resource string, next interface{}) *engine.StateDiff {
	t.Helper()
	changes, err := changesOf(nil, next)
	require.NoError(t, err)
	return engine.NewStateDiff(Name, []engine.StateAction{engine.ModifyAction(resource, changes)}, nil, nil)
}

func mustEncode(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := pluginkit.Encode(v)
	require.NoError(t, err)
	return raw
}
