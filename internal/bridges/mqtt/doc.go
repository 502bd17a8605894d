// Package mqtt implements the MQTT bridge between the fan registry and
// a local broker.
//
// It is the smart-home integration surface: Home Assistant (or anything
// else speaking MQTT) reads retained fan state and writes JSON patches,
// while the bridge keeps both directions honest against the registry.
//
// # Architecture
//
//	┌──────────────┐   registry events   ┌──────────────┐   retained    ┌────────┐
//	│ fan registry │────────────────────►│  MQTT bridge │──────────────►│ broker │
//	│  dispatcher  │◄────────────────────│  (this pkg)  │◄──────────────│        │
//	└──────────────┘   validated patch   └──────────────┘   {id}/set    └────────┘
//
// # Topics
//
// With the configured base topic (default "wifan"):
//
//	{base}/fan/{id}/state         retained, fan state JSON
//	{base}/fan/{id}/set           inbound JSON patch, e.g. {"speed": 7}
//	{base}/fan/{id}/availability  retained, "online" / "offline"
//
// The bridge's own status topic ({base}/bridge/status) is owned by the
// connection layer in internal/infrastructure/mqtt, which publishes it
// on connect and wires it as the Last Will.
//
// # Semantics
//
// State topics are retained so late subscribers see the current view
// without waiting for a change. A removed fan has its retained topics
// cleared. Set commands are applied through the dispatcher, which
// validates capabilities and ranges; results appear as ordinary state
// events, so a successful command echoes back on the state topic via
// the registry's optimistic update.
package mqtt
