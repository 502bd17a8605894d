// Package mqtt provides MQTT client connectivity for the fan bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Topic scheme
//
// All topics live under a configurable base (default "wifan"):
//
//	{base}/fan/{deviceID}/state         retained JSON fan state
//	{base}/fan/{deviceID}/set           inbound JSON command patches
//	{base}/fan/{deviceID}/availability  retained "online"/"offline"
//	{base}/bridge/status                retained bridge status, LWT
//
// The Topics type builds and parses these; nothing else in the
// codebase assembles topic strings by hand.
//
// # Security Considerations
//
//   - TLS is required when the broker is off-host (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//   - Anonymous access is only for local development
//   - Payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Base: cfg.MQTT.BaseTopic}
//	err = client.Subscribe(topics.AllFanSets(), 1,
//	    func(topic string, payload []byte) error {
//	        // decode and dispatch the command
//	        return nil
//	    })
package mqtt
