package collector

import (
	"codeberg.org/mutker/statlink/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrGPUInitFailed     = errors.ErrorCode("collector_gpu_init_failed")
	ErrGPUDeviceNotFound = errors.ErrorCode("collector_gpu_device_not_found")
	ErrGPUShutdownFailed = errors.ErrorCode("collector_gpu_shutdown_failed")
)

// nvmlError adapts an NVML return code to error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}
