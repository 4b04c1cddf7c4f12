package collector

import (
	"codeberg.org/mutker/statlink/internal/errors"
	"codeberg.org/mutker/statlink/internal/logger"
	"codeberg.org/mutker/statlink/internal/protocol"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const bytesPerMiB = 1024 * 1024

// gpuReader samples the first NVIDIA GPU through NVML. Individual sensor
// failures leave the corresponding fields at zero.
type gpuReader struct {
	device nvml.Device
	name   string
}

func newGPUReader() (*gpuReader, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errFactory.Wrap(ErrGPUInitFailed, newNVMLError(ret))
	}

	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		_ = nvml.Shutdown()
		return nil, errFactory.Wrap(ErrGPUDeviceNotFound, newNVMLError(ret))
	}

	r := &gpuReader{device: device}
	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		r.name = name
		logger.Info().Str("gpu", name).Msg("GPU telemetry enabled")
	}

	return r, nil
}

func (r *gpuReader) read() protocol.GPUStats {
	stats := protocol.GPUStats{Name: r.name}

	if util, ret := r.device.GetUtilizationRates(); ret == nvml.SUCCESS {
		stats.Usage = int(util.Gpu)
	}
	if temp, ret := r.device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		stats.Temp = int(temp)
	}
	if mem, ret := r.device.GetMemoryInfo(); ret == nvml.SUCCESS {
		stats.MemUsed = int(mem.Used / bytesPerMiB)
		stats.MemTotal = int(mem.Total / bytesPerMiB)
	}

	return stats
}

func (r *gpuReader) close() error {
	errFactory := errors.New()

	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errFactory.Wrap(ErrGPUShutdownFailed, newNVMLError(ret))
	}

	return nil
}
