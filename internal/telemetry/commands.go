package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/sx4-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// Route command actions.
const (
	RouteActionSet     = "set"
	RouteActionClear   = "clear"
	RouteActionRelease = "release"
)

// valueCommand is the payload of channel and power commands.
type valueCommand struct {
	Value *int `json:"value"`
}

// routeCommand is the payload of sx4/command/route/<addr>.
type routeCommand struct {
	Action string `json:"action"`
	Train  int    `json:"train"`
}

// subscribeCommands registers the command handlers. Caller holds s.mu.
func (s *Service) subscribeCommands() error {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{mqtt.Topics{}.AllChannelCommands(), s.handleChannelCommand},
		{mqtt.Topics{}.PowerCommand(), s.handlePowerCommand},
	}
	if s.routes != nil {
		subs = append(subs, struct {
			topic   string
			handler mqtt.MessageHandler
		}{mqtt.Topics{}.AllRouteCommands(), s.handleRouteCommand})
	}

	for _, sub := range subs {
		if err := s.mqtt.Subscribe(sub.topic, stateQoS, s.counted(sub.handler)); err != nil {
			return fmt.Errorf("subscribing to %s: %w", sub.topic, err)
		}
		s.topics = append(s.topics, sub.topic)
	}
	return nil
}

// unsubscribeCommands removes the command handlers. Caller holds s.mu.
func (s *Service) unsubscribeCommands() {
	for _, topic := range s.topics {
		if err := s.mqtt.Unsubscribe(topic); err != nil {
			s.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	s.topics = nil
}

func (s *Service) counted(h mqtt.MessageHandler) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		s.commands.Add(1)
		if err := h(topic, payload); err != nil {
			s.commandErrors.Add(1)
			return err
		}
		return nil
	}
}

// handleChannelCommand applies {"value":n} to the channel in the topic.
func (s *Service) handleChannelCommand(topic string, payload []byte) error {
	ch, err := sx.ParseChannel(lastSegment(topic))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	v, err := decodeValue(payload)
	if err != nil {
		return err
	}
	if v < 0 || v > sx.ByteMax {
		return fmt.Errorf("%w: value %d out of range", ErrInvalidCommand, v)
	}

	s.reg.Update(ch, v, true)
	s.logger.Debug("channel command applied", "channel", ch, "value", v)
	return nil
}

// handlePowerCommand applies {"value":0|1} to the track power.
func (s *Service) handlePowerCommand(_ string, payload []byte) error {
	v, err := decodeValue(payload)
	if err != nil {
		return err
	}
	if v != 0 && v != 1 {
		return fmt.Errorf("%w: power must be 0 or 1, got %d", ErrInvalidCommand, v)
	}

	s.reg.SetPower(v, true)
	s.logger.Info("power command applied", "value", v)
	return nil
}

// handleRouteCommand sets, clears or releases the route in the topic.
// Route requests over MQTT are operator requests and are never rejected.
func (s *Service) handleRouteCommand(topic string, payload []byte) error {
	addr, err := strconv.Atoi(lastSegment(topic))
	if err != nil {
		return fmt.Errorf("%w: route address %q", ErrInvalidCommand, lastSegment(topic))
	}

	var cmd routeCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	switch strings.ToLower(cmd.Action) {
	case RouteActionSet:
		err = s.routes.Set(addr, false, cmd.Train)
	case RouteActionClear:
		err = s.routes.Clear(addr)
	case RouteActionRelease:
		err = s.routes.ClearSoon(addr)
	default:
		return fmt.Errorf("%w: unknown route action %q", ErrInvalidCommand, cmd.Action)
	}
	if err != nil {
		return fmt.Errorf("route %d %s: %w", addr, cmd.Action, err)
	}
	return nil
}

func decodeValue(payload []byte) (int, error) {
	var cmd valueCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.Value == nil {
		return 0, fmt.Errorf("%w: missing value", ErrInvalidCommand)
	}
	return *cmd.Value, nil
}

func lastSegment(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}
