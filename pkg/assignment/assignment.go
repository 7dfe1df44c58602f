// Package assignment implements the orchestrator's task-to-device
// assignment strategies: pure functions over a snapshot of ready tasks
// and connected devices, generalized from the teacher's load-balancer
// node-selection pass.
package assignment

import (
	"errors"
	"fmt"
	"sort"

	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/orion"
)

// ErrAssignmentStrategy is returned when a named strategy doesn't exist
// or no devices are available to assign to.
var ErrAssignmentStrategy = errors.New("assignment: strategy error")

// Strategy assigns each task in tasks to one device id in devices. It
// must be a pure function of its inputs: same tasks/devices in, same
// assignment out.
type Strategy interface {
	Assign(tasks []*orion.TaskStar, devices map[string]device.Profile) (map[string]string, error)
}

// Resolve applies preferences first (spec §4.2.2: "Preferences always
// override strategy where the preferred device is present and
// connected"), then runs strategy for every task preferences didn't
// cover.
func Resolve(strategy Strategy, tasks []*orion.TaskStar, devices map[string]device.Profile, preferences map[string]string) (map[string]string, error) {
	assignments := make(map[string]string, len(tasks))
	var remaining []*orion.TaskStar

	for _, t := range tasks {
		if deviceID, ok := preferences[t.TaskID]; ok {
			if profile, ok := devices[deviceID]; ok && profile.Connected() {
				assignments[t.TaskID] = deviceID
				continue
			}
		}
		remaining = append(remaining, t)
	}
	if len(remaining) == 0 {
		return assignments, nil
	}

	strategyAssignments, err := strategy.Assign(remaining, devices)
	if err != nil {
		return nil, err
	}
	for taskID, deviceID := range strategyAssignments {
		assignments[taskID] = deviceID
	}
	return assignments, nil
}

func sortedDeviceIDs(devices map[string]device.Profile) []string {
	ids := make([]string, 0, len(devices))
	for id, p := range devices {
		if p.Connected() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RoundRobin assigns tasks to connected devices in a fixed, deterministic
// device order, cycling through devices as tasks are consumed in
// insertion order.
type RoundRobin struct{}

func (RoundRobin) Assign(tasks []*orion.TaskStar, devices map[string]device.Profile) (map[string]string, error) {
	ids := sortedDeviceIDs(devices)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no connected devices", ErrAssignmentStrategy)
	}
	assignments := make(map[string]string, len(tasks))
	for i, t := range tasks {
		assignments[t.TaskID] = ids[i%len(ids)]
	}
	return assignments, nil
}

// CapabilityMatch assigns each task to any device whose capabilities
// include the task's DeviceType (or any device if DeviceType is unset),
// breaking ties by the device with the fewest assignments made so far in
// this pass.
type CapabilityMatch struct{}

func (CapabilityMatch) Assign(tasks []*orion.TaskStar, devices map[string]device.Profile) (map[string]string, error) {
	ids := sortedDeviceIDs(devices)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no connected devices", ErrAssignmentStrategy)
	}
	counts := make(map[string]int, len(ids))

	assignments := make(map[string]string, len(tasks))
	for _, t := range tasks {
		best := ""
		for _, id := range ids {
			if p := devices[id]; !p.HasCapability(t.DeviceType) {
				continue
			}
			if best == "" || counts[id] < counts[best] {
				best = id
			}
		}
		if best == "" {
			return nil, fmt.Errorf("%w: no device satisfies device_type %q for task %s", ErrAssignmentStrategy, t.DeviceType, t.TaskID)
		}
		assignments[t.TaskID] = best
		counts[best]++
	}
	return assignments, nil
}

// LoadBalance assigns each task to the connected device with the fewest
// assignments made so far in this pass, regardless of capability.
type LoadBalance struct{}

func (LoadBalance) Assign(tasks []*orion.TaskStar, devices map[string]device.Profile) (map[string]string, error) {
	ids := sortedDeviceIDs(devices)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no connected devices", ErrAssignmentStrategy)
	}
	counts := make(map[string]int, len(ids))

	assignments := make(map[string]string, len(tasks))
	for _, t := range tasks {
		best := ids[0]
		for _, id := range ids[1:] {
			if counts[id] < counts[best] {
				best = id
			}
		}
		assignments[t.TaskID] = best
		counts[best]++
	}
	return assignments, nil
}

// ByName resolves one of the three built-in strategies by the name an
// Orion's config or CLI flag would carry. It returns ErrAssignmentStrategy
// for an unknown name.
func ByName(name string) (Strategy, error) {
	switch name {
	case "round_robin", "":
		return RoundRobin{}, nil
	case "capability_match":
		return CapabilityMatch{}, nil
	case "load_balance":
		return LoadBalance{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrAssignmentStrategy, name)
	}
}
