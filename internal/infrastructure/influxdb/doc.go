// Package influxdb provides optional time-series telemetry for the bridge.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, fan-specific point construction, and health monitoring.
//
// # Purpose
//
// Two measurements are written:
//   - fan_state: one point per observed state change (power, speed,
//     direction, oscillation), tagged by device_id and name
//   - fan_availability: one point per health transition (online 0/1)
//
// Boolean fields are encoded as 0/1 integers so they aggregate cleanly
// in Flux queries.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "home",
//	    Bucket:  "fans",
//	}
//
//	client, err := influxdb.Connect(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteFanState(desc, state)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a
// callback (SetOnError). Connection and health check errors are returned
// directly. Telemetry is best-effort: a dead InfluxDB never blocks the
// control path.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size,
// flush_interval). With one point per state change a handful of ceiling
// fans produces negligible load; the batching matters only during poll
// storms after an outage.
package influxdb
