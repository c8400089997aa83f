package internal

import (
	"os"
	"os/exec"
	"runtime"
)

type Device string

const (
	DeviceMPS  Device = "mps"
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// DetectDevice reports the accelerator the external trainer is expected to
// use. GCD_DEVICE overrides detection; the value is recorded in results.
func DetectDevice() Device {
	if d := os.Getenv("GCD_DEVICE"); d != "" {
		return Device(d)
	}
	if isMPS() {
		return DeviceMPS
	}
	if isCUDA() {
		return DeviceCUDA
	}
	return DeviceCPU
}

func isMPS() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func isCUDA() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return true
	}
	return false
}
