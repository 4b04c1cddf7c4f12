package protocol

import (
	"encoding/json"
	"strings"
)

// MessageKind classifies a line received from the device.
type MessageKind int

const (
	KindUnstructured MessageKind = iota
	KindHandshakeAck
	KindDebug
	KindStatus
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindHandshakeAck:
		return "handshake-ack"
	case KindDebug:
		return "debug"
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	default:
		return "unstructured"
	}
}

// InboundMessage is one classified device line. It is consumed by the
// message handler and never stored.
type InboundMessage struct {
	Kind      MessageKind
	Level     string
	Text      string
	Timestamp string
	Raw       string
}

// ParseInbound classifies a single line from the device. Lines that are not
// a JSON object with a recognized type field come back as KindUnstructured;
// parse failures are absorbed here and never reach the read loop.
func ParseInbound(line string) InboundMessage {
	trimmed := strings.TrimSpace(line)
	msg := InboundMessage{
		Kind: KindUnstructured,
		Text: trimmed,
		Raw:  line,
	}

	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return msg
	}

	var payload struct {
		Type      string `json:"type"`
		Level     string `json:"level"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return msg
	}

	switch payload.Type {
	case "handshake-ack":
		msg.Kind = KindHandshakeAck
		msg.Text = payload.Message
	case "debug":
		msg.Kind = KindDebug
		msg.Level = payload.Level
		msg.Text = payload.Message
		msg.Timestamp = payload.Timestamp
	case "status":
		msg.Kind = KindStatus
		msg.Text = payload.Message
	case "error":
		msg.Kind = KindError
		msg.Text = payload.Message
	default:
		// Valid JSON without a recognized type stays opaque.
	}

	return msg
}
