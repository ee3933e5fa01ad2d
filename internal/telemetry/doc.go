// Package telemetry mirrors the controller state to MQTT and InfluxDB and
// accepts commands over MQTT.
//
// The Service subscribes to registry changes and route events. Both
// callbacks only enqueue; a single worker publishes retained JSON state
// and writes InfluxDB points, so a slow broker never stalls a bus write.
// When the queue is full the change is dropped and counted.
//
// Commands arrive on sx4/command/channel/<ch>, sx4/command/power and
// sx4/command/route/<addr> and are applied to the registry and route
// engine directly.
package telemetry
