// Package portcheck answers "is this port already taken" by trying to bind it.
//
// A failed bind that is not EADDRINUSE (e.g. missing privileges) reports the port
// as free so that callers fall through to the real bind, which then reports the
// actual error.
package portcheck

import (
	"errors"
	"net"
	"strconv"
	"syscall"
)

// TCPInUse reports whether a TCP listener already holds port on any local address
func TCPInUse(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return errors.Is(err, syscall.EADDRINUSE)
	}
	_ = ln.Close()
	return false
}

// UDPInUse reports whether a UDP socket is already bound to port
func UDPInUse(port int) bool {
	pc, err := net.ListenPacket("udp", ":"+strconv.Itoa(port))
	if err != nil {
		return errors.Is(err, syscall.EADDRINUSE)
	}
	_ = pc.Close()
	return false
}

// FreeUDPPorts returns up to count ports from [start, end] that are currently free
// for both UDP and TCP. Fewer ports are returned if the range is exhausted.
func FreeUDPPorts(start, end, count int) []int {
	if start <= 0 || end < start || count <= 0 {
		return nil
	}

	ports := make([]int, 0, count)
	for port := start; port <= end && len(ports) < count; port++ {
		if UDPInUse(port) || TCPInUse(port) {
			continue
		}
		ports = append(ports, port)
	}
	return ports
}
