//go:build !linux

package capture

import "errors"

// RawInjector is only implemented on Linux.
type RawInjector struct{}

// NewRawInjector reports that raw injection is unavailable on this platform.
func NewRawInjector() (*RawInjector, error) {
	return nil, errors.New("[Capture] raw injection is only supported on linux")
}

func (r *RawInjector) Send(buf []byte, addr Address) bool { return false }

func (r *RawInjector) SendEx(buf []byte, addr Address, opts SendOptions) bool { return false }

func (r *RawInjector) Close() error { return nil }
