package assignment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/orion"
)

func devices(ids ...string) map[string]device.Profile {
	out := make(map[string]device.Profile, len(ids))
	for _, id := range ids {
		out[id] = device.Profile{DeviceID: id, Status: device.StatusConnected}
	}
	return out
}

func tasks(ids ...string) []*orion.TaskStar {
	out := make([]*orion.TaskStar, 0, len(ids))
	for _, id := range ids {
		out = append(out, &orion.TaskStar{TaskID: id})
	}
	return out
}

func TestRoundRobinCyclesThroughDevices(t *testing.T) {
	result, err := RoundRobin{}.Assign(tasks("t1", "t2", "t3"), devices("d1", "d2"))
	require.NoError(t, err)
	assert.Equal(t, "d1", result["t1"])
	assert.Equal(t, "d2", result["t2"])
	assert.Equal(t, "d1", result["t3"])
}

func TestRoundRobinFailsWithNoDevices(t *testing.T) {
	_, err := RoundRobin{}.Assign(tasks("t1"), devices())
	require.ErrorIs(t, err, ErrAssignmentStrategy)
}

func TestCapabilityMatchRespectsDeviceType(t *testing.T) {
	d := devices("gpu-1", "cpu-1")
	gpu := d["gpu-1"]
	gpu.Capabilities = []string{"gpu"}
	d["gpu-1"] = gpu

	ts := tasks("t1")
	ts[0].DeviceType = "gpu"

	result, err := CapabilityMatch{}.Assign(ts, d)
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", result["t1"])
}

func TestCapabilityMatchFailsWhenNoDeviceSatisfies(t *testing.T) {
	d := devices("cpu-1")
	ts := tasks("t1")
	ts[0].DeviceType = "gpu"

	_, err := CapabilityMatch{}.Assign(ts, d)
	require.ErrorIs(t, err, ErrAssignmentStrategy)
}

func TestLoadBalanceSpreadsAcrossDevices(t *testing.T) {
	result, err := LoadBalance{}.Assign(tasks("t1", "t2", "t3", "t4"), devices("d1", "d2"))
	require.NoError(t, err)
	counts := map[string]int{}
	for _, d := range result {
		counts[d]++
	}
	assert.Equal(t, 2, counts["d1"])
	assert.Equal(t, 2, counts["d2"])
}

func TestResolvePreferencesOverrideStrategy(t *testing.T) {
	d := devices("d1", "d2")
	ts := tasks("t1", "t2")

	result, err := Resolve(RoundRobin{}, ts, d, map[string]string{"t1": "d2"})
	require.NoError(t, err)
	assert.Equal(t, "d2", result["t1"])
}

func TestResolveIgnoresPreferenceForDisconnectedDevice(t *testing.T) {
	d := devices("d1")
	offline := device.Profile{DeviceID: "d2", Status: device.StatusDisconnected}
	d["d2"] = offline
	ts := tasks("t1")

	result, err := Resolve(RoundRobin{}, ts, d, map[string]string{"t1": "d2"})
	require.NoError(t, err)
	assert.Equal(t, "d1", result["t1"], "a disconnected preferred device must fall back to the strategy")
}

func TestByNameResolvesBuiltins(t *testing.T) {
	for _, name := range []string{"round_robin", "capability_match", "load_balance", ""} {
		_, err := ByName(name)
		require.NoError(t, err, name)
	}
	_, err := ByName("nonexistent")
	require.ErrorIs(t, err, ErrAssignmentStrategy)
}
