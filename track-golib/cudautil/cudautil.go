// +build cuda

package cudautil

import (
	cu "gorgonia.org/cu"
)

// Available reports whether at least one CUDA device is usable for tensor
// arithmetic in this build.
func Available() bool {
	n, err := cu.NumDevices()
	return err == nil && n > 0
}

// DeviceCount returns the number of visible CUDA devices.
func DeviceCount() int {
	n, err := cu.NumDevices()
	if err != nil {
		return 0
	}
	return n
}
