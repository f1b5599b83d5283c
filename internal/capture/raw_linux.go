//go:build linux

package capture

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"desync-engine/internal/core"
)

// RawInjector sends finalized IP packets through IPPROTO_RAW sockets, which
// imply a caller-supplied IP header. Requires CAP_NET_RAW.
type RawInjector struct {
	mu  sync.Mutex
	fd4 int
	fd6 int
}

// NewRawInjector opens the IPv4 and IPv6 raw sockets. A missing IPv6 stack
// only disables IPv6 injection.
func NewRawInjector() (*RawInjector, error) {
	fd4, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("[Capture] open raw ipv4 socket: %w", err)
	}
	fd6, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		core.Log.Warnf("Capture", "IPv6 raw socket unavailable: %v", err)
		fd6 = -1
	}
	return &RawInjector{fd4: fd4, fd6: fd6}, nil
}

func (r *RawInjector) Send(buf []byte, addr Address) bool {
	return r.SendEx(buf, addr, SendOptions{})
}

func (r *RawInjector) SendEx(buf []byte, addr Address, opts SendOptions) bool {
	info, ok := ParseInfo(buf)
	if !ok {
		return false
	}
	wire, err := Finalize(buf, opts)
	if err != nil {
		core.Log.Debugf("Capture", "Finalize failed: %v", err)
		return false
	}

	r.mu.Lock()
	fd4, fd6 := r.fd4, r.fd6
	r.mu.Unlock()

	if info.IPv4 {
		if fd4 < 0 {
			return false
		}
		err = unix.Sendto(fd4, wire, 0, &unix.SockaddrInet4{Addr: info.DstIP.As4()})
	} else {
		if fd6 < 0 {
			return false
		}
		err = unix.Sendto(fd6, wire, 0, &unix.SockaddrInet6{Addr: info.DstIP.As16(), ZoneId: addr.IfIndex})
	}
	if err != nil {
		core.Log.Debugf("Capture", "sendto %s: %v", info.DstIP, err)
		return false
	}
	return true
}

// Close releases both sockets.
func (r *RawInjector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.fd4 >= 0 {
		err = unix.Close(r.fd4)
		r.fd4 = -1
	}
	if r.fd6 >= 0 {
		if e := unix.Close(r.fd6); err == nil {
			err = e
		}
		r.fd6 = -1
	}
	return err
}
