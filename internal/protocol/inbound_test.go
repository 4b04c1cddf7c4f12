package protocol_test

import (
	"testing"

	"codeberg.org/mutker/statlink/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name string
		line string
		want protocol.InboundMessage
	}{
		{
			name: "handshake ack",
			line: `{"type":"handshake-ack","message":"hello"}`,
			want: protocol.InboundMessage{Kind: protocol.KindHandshakeAck, Text: "hello"},
		},
		{
			name: "debug with level and timestamp",
			line: `{"type":"debug","level":"warn","message":"low heap","timestamp":"12:00:01"}`,
			want: protocol.InboundMessage{Kind: protocol.KindDebug, Level: "warn", Text: "low heap", Timestamp: "12:00:01"},
		},
		{
			name: "status",
			line: `{"type":"status","message":"display ready"}`,
			want: protocol.InboundMessage{Kind: protocol.KindStatus, Text: "display ready"},
		},
		{
			name: "error",
			line: `{"type":"error","message":"oled init failed"}`,
			want: protocol.InboundMessage{Kind: protocol.KindError, Text: "oled init failed"},
		},
		{
			name: "valid json with unknown type",
			line: `{"type":"bogus","message":"x"}`,
			want: protocol.InboundMessage{Kind: protocol.KindUnstructured, Text: `{"type":"bogus","message":"x"}`},
		},
		{
			name: "valid json without type",
			line: `{"uptime":12}`,
			want: protocol.InboundMessage{Kind: protocol.KindUnstructured, Text: `{"uptime":12}`},
		},
		{
			name: "plain text",
			line: "boot: rst cause 1",
			want: protocol.InboundMessage{Kind: protocol.KindUnstructured, Text: "boot: rst cause 1"},
		},
		{
			name: "malformed json object",
			line: `{"type":"debug","level":}`,
			want: protocol.InboundMessage{Kind: protocol.KindUnstructured, Text: `{"type":"debug","level":}`},
		},
		{
			name: "braces but not json",
			line: "{garbage}",
			want: protocol.InboundMessage{Kind: protocol.KindUnstructured, Text: "{garbage}"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := protocol.ParseInbound(tt.line)
			tt.want.Raw = tt.line
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInboundNeverPanics(t *testing.T) {
	for _, line := range []string{"", "{", "}", "{}", "\x00\xff", `{"type":42}`} {
		assert.NotPanics(t, func() { protocol.ParseInbound(line) }, "line %q", line)
	}
}
