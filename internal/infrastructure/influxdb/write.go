package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the controller.
const (
	MeasurementChannel = "sx_channel"
	MeasurementPower   = "sx_power"
	MeasurementRoute   = "sx_route"
)

// WriteChannel records a channel value.
//
// Parameters:
//   - channel: SX channel 0..111
//   - value: The new channel byte
//   - source: "local" or "bus"
func (c *Client) WriteChannel(channel, value int, source string) {
	c.WritePoint(MeasurementChannel,
		map[string]string{
			"channel": strconv.Itoa(channel),
			"source":  source,
		},
		map[string]any{
			"value": value,
		},
	)
}

// WritePower records a track power change.
func (c *Client) WritePower(value int, source string) {
	c.WritePoint(MeasurementPower,
		map[string]string{"source": source},
		map[string]any{"value": value},
	)
}

// WriteRouteEvent records a route set, clear or rejection.
//
// Parameters:
//   - route: Route address
//   - action: "set", "clear" or "reject"
//   - automatic: Whether the request came from a timetable
//   - train: Train number, 0 if unknown
//   - cause: Why the route changed, empty for rejections
//   - at: Event time
func (c *Client) WriteRouteEvent(route int, action string, automatic bool, train int, cause string, at time.Time) {
	tags := map[string]string{
		"route":  strconv.Itoa(route),
		"action": action,
	}
	if cause != "" {
		tags["cause"] = cause
	}

	c.WritePointWithTime(MeasurementRoute, tags,
		map[string]any{
			"automatic": automatic,
			"train":     train,
		},
		at,
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Example:
//
//	client.WritePoint("sx_sessions",
//	    map[string]string{"site": "layout-001"},
//	    map[string]any{"count": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
