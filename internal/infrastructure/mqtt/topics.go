package mqtt

import "fmt"

// Topic prefixes of the SX4 MQTT hierarchy.
//
// State topics are retained and mirror the registry and route engine.
// Command topics are consumed by the telemetry intake and are never retained.
const (
	// TopicPrefix is the root of every SX4 topic.
	TopicPrefix = "sx4"

	// TopicPrefixState is the base for retained state topics.
	TopicPrefixState = "sx4/state"

	// TopicPrefixCommand is the base for command topics.
	TopicPrefixCommand = "sx4/command"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "sx4/system"
)

// Topics provides builders for SX4 MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.ChannelState(81)  // "sx4/state/channel/81"
//	topics.RouteCommand(2201) // "sx4/command/route/2201"
type Topics struct{}

// =============================================================================
// State Topics
// =============================================================================

// ChannelState returns the retained state topic of an SX channel.
//
// Example: sx4/state/channel/81
func (Topics) ChannelState(channel int) string {
	return fmt.Sprintf("%s/channel/%d", TopicPrefixState, channel)
}

// PowerState returns the retained track power topic.
//
// Example: sx4/state/power
func (Topics) PowerState() string {
	return TopicPrefixState + "/power"
}

// RouteState returns the retained state topic of a route.
//
// Example: sx4/state/route/2201
func (Topics) RouteState(addr int) string {
	return fmt.Sprintf("%s/route/%d", TopicPrefixState, addr)
}

// =============================================================================
// Command Topics
// =============================================================================

// ChannelCommand returns the command topic of an SX channel.
//
// Example: sx4/command/channel/81
func (Topics) ChannelCommand(channel int) string {
	return fmt.Sprintf("%s/channel/%d", TopicPrefixCommand, channel)
}

// PowerCommand returns the track power command topic.
//
// Example: sx4/command/power
func (Topics) PowerCommand() string {
	return TopicPrefixCommand + "/power"
}

// RouteCommand returns the command topic of a route.
//
// Example: sx4/command/route/2201
func (Topics) RouteCommand(addr int) string {
	return fmt.Sprintf("%s/route/%d", TopicPrefixCommand, addr)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the controller status topic (online, offline, LWT).
//
// Example: sx4/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// BridgeHealth returns the health topic of a bus bridge.
//
// Example: sx4/health/sxi
func (Topics) BridgeHealth(bridge string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, bridge)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllChannelCommands matches every channel command.
//
// Pattern: sx4/command/channel/+
func (Topics) AllChannelCommands() string {
	return TopicPrefixCommand + "/channel/+"
}

// AllRouteCommands matches every route command.
//
// Pattern: sx4/command/route/+
func (Topics) AllRouteCommands() string {
	return TopicPrefixCommand + "/route/+"
}

// AllStates matches every retained state topic.
//
// Pattern: sx4/state/#
func (Topics) AllStates() string {
	return TopicPrefixState + "/#"
}

// AllTopics matches all SX4 traffic.
//
// Pattern: sx4/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
