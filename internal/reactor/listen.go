//go:build linux

package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenTCP4 binds and listens on addr (host:port, host may be empty for
// all interfaces), returning a non-blocking listening fd suitable for
// New. It exists because Reactor drives the socket directly with epoll
// and must own the fd from bind time — mixing it with net.Listener's own
// internal poller would race two independent readiness waiters on one fd.
func ListenTCP4(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("reactor: parse addr %q: %w", addr, err)
	}
	var ip net.IP
	if host == "" {
		ip = net.IPv4zero
	} else {
		ip = net.ParseIP(host)
		if ip == nil {
			resolved, err := net.ResolveIPAddr("ip4", host)
			if err != nil {
				return 0, fmt.Errorf("reactor: resolve host %q: %w", host, err)
			}
			ip = resolved.IP
		}
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, fmt.Errorf("reactor: parse port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("reactor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("reactor: setsockopt SO_REUSEADDR: %w", err)
	}
	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], ip.To4())
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("reactor: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("reactor: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("reactor: set nonblocking: %w", err)
	}
	return fd, nil
}

// DialTCP4 opens a non-blocking TCP connection to addr, returning the fd
// immediately after issuing connect(2) — "in progress" is treated as
// success per §4.3 step 4, and the caller must register the fd write-armed
// to learn when the connect completes.
func DialTCP4(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("reactor: parse addr %q: %w", addr, err)
	}
	resolved, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return 0, fmt.Errorf("reactor: resolve host %q: %w", host, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, fmt.Errorf("reactor: parse port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("reactor: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("reactor: set nonblocking: %w", err)
	}
	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], resolved.IP.To4())
	if err := unix.Connect(fd, &sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, fmt.Errorf("reactor: connect: %w", err)
	}
	return fd, nil
}
