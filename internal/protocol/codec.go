package protocol

import (
	"encoding/json"

	"codeberg.org/mutker/statlink/internal/errors"
)

// Encode serializes a record to a single-line JSON frame with a trailing
// newline. Name fields longer than the wire limits are truncated.
func Encode(rec TelemetryRecord) ([]byte, error) {
	errFactory := errors.New()

	rec.CPU.Name = truncate(rec.CPU.Name, MaxCPUNameLen)
	rec.GPU.Name = truncate(rec.GPU.Name, MaxGPUNameLen)

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errFactory.Wrap(ErrEncodeFailed, err)
	}

	return append(data, '\n'), nil
}

// Decode parses a frame produced by Encode. A trailing newline is accepted.
func Decode(frame []byte) (TelemetryRecord, error) {
	errFactory := errors.New()

	var rec TelemetryRecord
	if err := json.Unmarshal(frame, &rec); err != nil {
		return TelemetryRecord{}, errFactory.Wrap(ErrDecodeFailed, err)
	}

	return rec, nil
}

type handshakeFrame struct {
	Type    string `json:"type"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// EncodeHandshake builds the frame sent once after every successful connect.
func EncodeHandshake(service, version string) ([]byte, error) {
	errFactory := errors.New()

	data, err := json.Marshal(handshakeFrame{
		Type:    "handshake",
		Service: service,
		Version: version,
	})
	if err != nil {
		return nil, errFactory.Wrap(ErrEncodeFailed, err)
	}

	return append(data, '\n'), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit]
}
