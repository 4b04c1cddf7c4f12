package collector

import (
	"context"

	"codeberg.org/mutker/statlink/internal/protocol"
)

// Collector produces one immutable telemetry snapshot on demand. A snapshot
// may take up to a second to assemble, so it must never be requested from
// inside the transport's locked sections.
type Collector interface {
	Collect(ctx context.Context) (protocol.TelemetryRecord, error)
	Close() error
}
