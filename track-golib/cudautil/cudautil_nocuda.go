// +build !cuda

package cudautil

// Available always reports false in builds without the cuda tag: device
// arithmetic is compiled out entirely.
func Available() bool {
	return false
}

// DeviceCount returns the number of visible CUDA devices.
func DeviceCount() int {
	return 0
}
