package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sx4-core/internal/sx"
)

// ChannelState is the value of one SX channel.
type ChannelState struct {
	Channel int  `json:"channel"`
	Value   int  `json:"value"`
	Known   bool `json:"known"`
}

// PowerState is the track power and bus connection state.
type PowerState struct {
	Power     int  `json:"power"`
	Connected bool `json:"connected"`
}

// valueRequest is the body of PUT /channels/{ch} and PUT /power.
type valueRequest struct {
	Value *int `json:"value"`
}

func channelState(ch, value int) ChannelState {
	if value == sx.Invalid {
		return ChannelState{Channel: ch}
	}
	return ChannelState{Channel: ch, Value: value, Known: true}
}

func (s *Server) powerState() PowerState {
	return PowerState{
		Power:     s.registry.Power(),
		Connected: s.registry.ConnectionStatus() == sx.StatusConnected,
	}
}

// handleListChannels returns every channel together with the power state.
func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	values := s.registry.Snapshot()
	channels := make([]ChannelState, len(values))
	for ch, v := range values {
		channels[ch] = channelState(ch, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"power":    s.powerState(),
	})
}

// handleGetChannel returns a single channel.
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := sx.ParseChannel(chi.URLParam(r, "ch"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, channelState(ch, s.registry.Get(ch)))
}

// handleSetChannel writes a channel and forwards it to the bus.
func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := sx.ParseChannel(chi.URLParam(r, "ch"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if v < 0 || v > sx.ByteMax {
		writeValidationError(w, fmt.Sprintf("value %d out of range 0..%d", v, sx.ByteMax))
		return
	}

	ack := s.registry.Update(ch, v, true)
	s.logger.Debug("channel set via api", "channel", ch, "value", v, "ack", ack)
	writeJSON(w, http.StatusOK, channelState(ch, ack))
}

// handleGetPower returns the track power state.
func (s *Server) handleGetPower(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.powerState())
}

// handleSetPower switches track power.
func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if v != 0 && v != 1 {
		writeValidationError(w, fmt.Sprintf("power must be 0 or 1, got %d", v))
		return
	}

	s.registry.SetPower(v, true)
	s.logger.Info("power set via api", "value", v)
	writeJSON(w, http.StatusOK, s.powerState())
}

// decodeValue reads {"value":n}. It writes the error response itself.
func decodeValue(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return 0, false
	}
	if req.Value == nil {
		writeValidationError(w, "value is required")
		return 0, false
	}
	return *req.Value, true
}
