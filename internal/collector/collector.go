// Package collector is the built-in telemetry source: CPU and memory from
// /proc and /sys, GPU through NVML. Every sensor is best effort; a value
// that cannot be read is reported as zero rather than an error.
package collector

import (
	"context"
	"time"

	"codeberg.org/mutker/statlink/internal/errors"
	"codeberg.org/mutker/statlink/internal/logger"
	"codeberg.org/mutker/statlink/internal/protocol"
)

type System struct {
	cpu *cpuReader
	gpu *gpuReader
}

// NewSystem builds the host collector. A machine without a usable NVIDIA
// GPU still gets CPU and memory telemetry; the GPU fields stay zero.
func NewSystem() *System {
	s := &System{cpu: newCPUReader()}

	gpu, err := newGPUReader()
	if err != nil {
		logger.Warn().Err(err).Msg("GPU telemetry unavailable")
	} else {
		s.gpu = gpu
	}

	return s
}

func (s *System) Collect(ctx context.Context) (protocol.TelemetryRecord, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return protocol.TelemetryRecord{}, errFactory.Wrap(errors.ErrCollectState, err)
	}

	rec := protocol.TelemetryRecord{
		Timestamp: time.Now().Unix(),
		CPU:       s.cpu.read(),
		Memory:    readMemory(),
	}
	if s.gpu != nil {
		rec.GPU = s.gpu.read()
	}

	return rec, nil
}

func (s *System) Close() error {
	if s.gpu == nil {
		return nil
	}

	return s.gpu.close()
}
