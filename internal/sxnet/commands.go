package sxnet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// Response lines without parameters.
const (
	respOK           = "OK"
	respError        = "ERROR"
	respRouteInvalid = "ROUTE_INVALID"
)

// execute runs one upper-cased command.
//
// Returns:
//   - string: Response line, empty for none
//   - bool: true for QUIT
func (s *Session) execute(cmd string) (string, bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", false
	}
	args := fields[1:]

	switch fields[0] {
	case "READPOWER":
		return fmt.Sprintf("XPOWER %d", s.server.reg.Power()), false
	case "SETPOWER":
		return s.setPower(args), false
	case "SX", "S", "SETLOCO":
		return s.writeChannel(args), false
	case "R", "READLOCO":
		return s.readChannel(args), false
	case "SET":
		return s.writeAddress(args), false
	case "READ":
		return s.readAddress(args), false
	case "REQ":
		return s.requestRoute(args), false
	case "QUIT":
		return "", true
	default:
		return respError, false
	}
}

func (s *Session) setPower(args []string) string {
	if len(args) < 1 {
		return respError
	}
	v, err := sx.ParseByte(args[0])
	if err != nil || v > 1 {
		return respError
	}
	ack := s.server.reg.SetPower(v, true)
	s.markPower(ack)
	return fmt.Sprintf("XPOWER %d", ack)
}

func (s *Session) writeChannel(args []string) string {
	if len(args) < 2 {
		return respError
	}
	ch, err := sx.ParseChannel(args[0])
	if err != nil {
		return respError
	}
	v, err := sx.ParseByte(args[1])
	if err != nil {
		return respError
	}
	ack := s.server.reg.Update(ch, v, true)
	if ack == sx.Invalid {
		return respError
	}
	// the client already knows this value; don't echo it in the next broadcast
	s.markChannel(ch, ack)
	return respOK
}

func (s *Session) readChannel(args []string) string {
	if len(args) < 1 {
		return respError
	}
	ch, err := sx.ParseChannel(args[0])
	if err != nil {
		return respError
	}
	v := s.server.reg.Get(ch)
	if v == sx.Invalid {
		v = 0
	}
	return fmt.Sprintf("X %d %d", ch, v)
}

func (s *Session) writeAddress(args []string) string {
	if len(args) < 2 {
		return respError
	}
	addr, err := sx.ParseExtendedAddress(args[0])
	if err != nil {
		return respError
	}
	data, err := sx.ParseExtendedData(args[1])
	if err != nil {
		return respError
	}
	cb, ok := sx.Decompose(addr)
	if !ok {
		return respError
	}

	reg := s.server.reg
	var ack int
	if data != 0 {
		ack = reg.SetBit(cb.Channel, cb.Bit, true)
	} else {
		ack = reg.ClearBit(cb.Channel, cb.Bit, true)
	}
	if ack == sx.Invalid {
		return respError
	}
	return respOK
}

func (s *Session) readAddress(args []string) string {
	if len(args) < 1 {
		return respError
	}
	addr, err := sx.ParseExtendedAddress(args[0])
	if err != nil {
		return respError
	}

	reg := s.server.reg
	if cb, ok := sx.Decompose(addr); ok {
		v := 0
		if raw := reg.Get(cb.Channel); raw != sx.Invalid && sx.IsSet(raw, cb.Bit) {
			v = 1
		}
		return fmt.Sprintf("XL %d %d", addr, v)
	}
	if v, ok := reg.Virtual(addr); ok {
		return fmt.Sprintf("XL %d %d", addr, v)
	}
	return respError
}

func (s *Session) requestRoute(args []string) string {
	engine := s.server.routes
	if engine == nil || len(args) < 2 {
		return respError
	}
	addr, err := sx.ParseExtendedAddress(args[0])
	if err != nil {
		return respError
	}
	data, err := sx.ParseExtendedData(args[1])
	if err != nil || data > 1 {
		return respError
	}

	if data == 0 {
		if err := engine.Clear(addr); err != nil {
			return respError
		}
		return fmt.Sprintf("XL %d %d", addr, panel.StateInactive)
	}

	err = engine.Set(addr, false, panel.NoTrain)
	switch {
	case err == nil:
		return fmt.Sprintf("XL %d %d", addr, panel.StateActive)
	case errors.Is(err, route.ErrUnknownRoute):
		return respError
	default:
		s.server.log().Info("route request rejected", "session", s.id, "route", addr, "reason", err.Error())
		return respRouteInvalid
	}
}
