// Package mqtt provides MQTT client connectivity for the SX4 controller.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// The broker is optional. When enabled, the controller mirrors channel,
// power and route state as retained messages and accepts commands from
// home automation or dashboard tools.
//
//	SX4 Core ↔ MQTT Broker ↔ dashboards, scripts, bridges
//
// # Topic Hierarchy
//
//	sx4/state/channel/<ch>    retained {"channel":81,"value":3,...}
//	sx4/state/power           retained {"value":1,...}
//	sx4/state/route/<addr>    retained {"route":2201,"active":true,...}
//	sx4/command/channel/<ch>  {"value":3}
//	sx4/command/power         {"value":1}
//	sx4/command/route/<addr>  {"action":"set"}
//	sx4/health/<bridge>       retained bridge health
//	sx4/system/status         retained online/offline (LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllRouteCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handleRoute(topic, payload)
//	    })
package mqtt
