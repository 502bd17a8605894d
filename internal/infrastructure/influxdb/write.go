package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
)

// WriteFanState records a full fan state snapshot.
//
// One point per snapshot, measurement "fan_state". Boolean fields are
// encoded as 0/1 integers so downstream queries can aggregate them
// (mean power over a window is duty cycle, for instance).
//
// The point is timestamped with the state's cloud revision when it has
// one, so replayed or delayed snapshots land at the time the cloud
// observed them rather than the time the bridge processed them.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - desc: Descriptor of the fan (device ID and name become tags)
//   - state: The state snapshot to record
func (c *Client) WriteFanState(desc fan.Descriptor, state fan.State) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(fanStatePoint(desc, state))
}

// WriteAvailability records a fan availability transition.
//
// Measurement "fan_availability" with a single online field (0/1).
// Written whenever a fan's health changes, so outage windows can be
// graphed alongside state history.
//
// Parameters:
//   - deviceID: Device identifier
//   - name: Human-readable fan name
//   - online: Whether the fan is currently reachable
func (c *Client) WriteAvailability(deviceID, name string, online bool) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(availabilityPoint(deviceID, name, online))
}

// fanStatePoint builds the line-protocol point for a state snapshot.
func fanStatePoint(desc fan.Descriptor, state fan.State) *write.Point {
	ts := state.Revision
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return write.NewPoint(
		"fan_state",
		map[string]string{
			"device_id": desc.DeviceID,
			"name":      desc.Name,
		},
		map[string]interface{}{
			"power":       boolField(state.Power),
			"speed":       state.Speed,
			"direction":   directionField(state.Direction),
			"oscillation": boolField(state.Oscillation),
		},
		ts,
	)
}

// availabilityPoint builds the line-protocol point for a health transition.
func availabilityPoint(deviceID, name string, online bool) *write.Point {
	return write.NewPoint(
		"fan_availability",
		map[string]string{
			"device_id": deviceID,
			"name":      name,
		},
		map[string]interface{}{
			"online": boolField(online),
		},
		time.Now().UTC(),
	)
}

func boolField(b bool) int {
	if b {
		return 1
	}
	return 0
}

// directionField encodes blade direction as 0 (forward) or 1 (reverse).
func directionField(d fan.Direction) int {
	if d == fan.DirectionReverse {
		return 1
	}
	return 0
}
