// Package influxdb provides InfluxDB connectivity for the SX4 controller.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched metric writing and health monitoring.
//
// # Measurements
//
//	sx_channel  tags channel, source         field value (int)
//	sx_power    tags source                  field value (int)
//	sx_route    tags route, action[, cause]  fields automatic (bool), train (int)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteChannel(81, 3, "bus")
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Writes are non-blocking and batched according to batch_size and
// flush_interval; batch errors are delivered to the SetOnError callback.
package influxdb
