package mqtt

import (
	"fmt"
	"strings"
)

// DefaultBaseTopic prefixes every topic when the config leaves
// base_topic empty.
const DefaultBaseTopic = "wifan"

// Topics builds the bridge's MQTT topic names. The zero value uses the
// default base; set Base to honour a configured base_topic.
//
//	topics := mqtt.Topics{Base: cfg.MQTT.BaseTopic}
//	topics.FanState("abc123")  // "wifan/fan/abc123/state"
//
// Scheme:
//
//	{base}/fan/{deviceID}/state         retained fan state, JSON
//	{base}/fan/{deviceID}/set           inbound commands, JSON patch
//	{base}/fan/{deviceID}/availability  retained "online"/"offline"
//	{base}/bridge/status                retained bridge status + LWT
type Topics struct {
	Base string
}

func (t Topics) base() string {
	if t.Base == "" {
		return DefaultBaseTopic
	}
	return t.Base
}

// FanState returns the retained state topic for a fan.
func (t Topics) FanState(deviceID string) string {
	return fmt.Sprintf("%s/fan/%s/state", t.base(), deviceID)
}

// FanSet returns the command topic for a fan.
func (t Topics) FanSet(deviceID string) string {
	return fmt.Sprintf("%s/fan/%s/set", t.base(), deviceID)
}

// FanAvailability returns the retained availability topic for a fan.
func (t Topics) FanAvailability(deviceID string) string {
	return fmt.Sprintf("%s/fan/%s/availability", t.base(), deviceID)
}

// BridgeStatus returns the bridge's own status topic, also used as the
// connection's Last Will.
func (t Topics) BridgeStatus() string {
	return fmt.Sprintf("%s/bridge/status", t.base())
}

// AllFanSets returns a pattern matching every fan's command topic.
//
// Pattern: {base}/fan/+/set
func (t Topics) AllFanSets() string {
	return fmt.Sprintf("%s/fan/+/set", t.base())
}

// FanIDFromSetTopic extracts the device ID from a command topic.
// Returns false for topics outside the {base}/fan/{id}/set scheme.
func (t Topics) FanIDFromSetTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != t.base() || parts[1] != "fan" || parts[3] != "set" {
		return "", false
	}
	if parts[2] == "" || parts[2] == "+" || parts[2] == "#" {
		return "", false
	}
	return parts[2], true
}
