package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Command is one word of the gate controller vocabulary.
type Command string

const (
	OpenGate      Command = "OPEN_GATE"
	CloseGate     Command = "CLOSE_GATE"
	LEDGreen      Command = "LED_GREEN"
	LEDBlue       Command = "LED_BLUE"
	LEDRed        Command = "LED_RED"
	LEDOff        Command = "LED_OFF"
	BuzzerSuccess Command = "BUZZER_SUCCESS"
	BuzzerError   Command = "BUZZER_ERROR"
	Status        Command = "STATUS"
)

var ErrUnknownCommand = errors.New("unknown gate command")

var vocabulary = map[Command]struct{}{
	OpenGate: {}, CloseGate: {}, LEDGreen: {}, LEDBlue: {}, LEDRed: {},
	LEDOff: {}, BuzzerSuccess: {}, BuzzerError: {}, Status: {},
}

// Commands lists the vocabulary in a stable order.
func Commands() []Command {
	return []Command{OpenGate, CloseGate, LEDGreen, LEDBlue, LEDRed, LEDOff, BuzzerSuccess, BuzzerError, Status}
}

// ParseCommand accepts a bare command name, case-insensitive, surrounding
// whitespace ignored.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := vocabulary[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return c, nil
}

type envelope struct {
	Command string `json:"command"`
}

// Encode returns the wire form {"command":"NAME"}.
func (c Command) Encode() []byte {
	b, _ := json.Marshal(envelope{Command: string(c)})
	return b
}

// DecodeCommand parses a wire payload: the JSON envelope or a bare name.
func DecodeCommand(payload []byte) (Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnknownCommand, err)
		}
		return ParseCommand(env.Command)
	}
	return ParseCommand(string(payload))
}

// DeviceReport is what the controller publishes: either an event
// acknowledgement ({"status":"gate_opened"}) or a full status snapshot.
type DeviceReport struct {
	Status string `json:"status,omitempty"`
	Gate   string `json:"gate,omitempty"`
	WiFi   string `json:"wifi,omitempty"`
	MQTT   string `json:"mqtt,omitempty"`
}

func ParseReport(payload []byte) (DeviceReport, error) {
	var r DeviceReport
	if err := json.Unmarshal(bytes.TrimSpace(payload), &r); err != nil {
		return DeviceReport{}, fmt.Errorf("parse device report: %w", err)
	}
	return r, nil
}

// GateState derives open/closed from a report, or "" if it carries none.
func (r DeviceReport) GateState() string {
	switch {
	case r.Gate != "":
		return r.Gate
	case r.Status == "gate_opened":
		return GateOpen
	case r.Status == "gate_closed":
		return GateClosed
	}
	return ""
}

func (r DeviceReport) Encode() []byte {
	b, _ := json.Marshal(r)
	return b
}

const (
	GateOpen   = "open"
	GateClosed = "closed"
	LinkUp     = "connected"
	LinkDown   = "disconnected"
)
