//go:build linux

package gpu

import (
	"errors"
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
)

func TestNVMLError_FieldReads(t *testing.T) {
	tests := []struct {
		name      string
		ret       nvml.Return
		want      error
		deviceErr bool
	}{
		{name: "not supported", ret: nvml.ERROR_NOT_SUPPORTED, want: ErrNotSupported},
		{name: "function not found", ret: nvml.ERROR_FUNCTION_NOT_FOUND, want: ErrNotSupported},
		{name: "no permission", ret: nvml.ERROR_NO_PERMISSION, want: ErrNoPermission},
		{name: "invalid argument", ret: nvml.ERROR_INVALID_ARGUMENT, want: ErrUnknown},
		{name: "not found", ret: nvml.ERROR_NOT_FOUND, want: ErrUnknown},
		{name: "gpu lost", ret: nvml.ERROR_GPU_IS_LOST, want: ErrDeviceLost, deviceErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := nvmlError(tt.ret)
			assert.True(t, errors.Is(err, tt.want))
			assert.Equal(t, tt.deviceErr, IsDeviceError(err))
		})
	}
}

func TestNVMLDeviceError(t *testing.T) {
	assert.True(t, IsDeviceError(nvmlDeviceError(nvml.ERROR_INVALID_ARGUMENT)))
	assert.True(t, IsDeviceError(nvmlDeviceError(nvml.ERROR_NOT_FOUND)))
	assert.True(t, IsDeviceError(nvmlDeviceError(nvml.ERROR_GPU_IS_LOST)))
	assert.False(t, IsDeviceError(nvmlDeviceError(nvml.ERROR_NOT_SUPPORTED)))
	assert.ErrorIs(t, nvmlDeviceError(nvml.ERROR_NO_PERMISSION), ErrNoPermission)
}
