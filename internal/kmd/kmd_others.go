//go:build !linux

package kmd

import "fmt"

// Open is only supported on Linux; the driver is a Linux kernel module.
func Open(path string) (Conn, error) {
	return nil, fmt.Errorf("kmd: device access not supported on this platform")
}

type unsupportedDriver struct{}

// System returns the Driver backed by the real device class. On non-Linux
// platforms every operation fails.
func System() Driver {
	return unsupportedDriver{}
}

func (unsupportedDriver) Devices() ([]string, error) {
	return nil, fmt.Errorf("kmd: device access not supported on this platform")
}

func (unsupportedDriver) Open(path string) (Conn, error) {
	return Open(path)
}

func (unsupportedDriver) CardType(path string) (string, error) {
	return "", fmt.Errorf("kmd: device access not supported on this platform")
}
