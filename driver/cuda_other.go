//go:build !linux

package driver

import "github.com/pkg/errors"

// CUDALibraryEnv can be set to the path of the CUDA driver library. Only used on Linux.
const CUDALibraryEnv = "GOTRITON_CUDA_LIBRARY"

// NewCUDA is only supported on Linux.
func NewCUDA() (API, error) {
	return nil, errors.New("the CUDA driver binding is only supported on linux")
}

// HasNvidiaGPU always returns false outside Linux.
func HasNvidiaGPU() bool {
	return false
}
