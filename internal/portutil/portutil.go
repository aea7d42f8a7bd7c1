// Package portutil picks TCP ports for the local HTTP surface.
package portutil

import (
	"fmt"
	"net"
)

// FindFreePort asks the OS for a free TCP port.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probing for a free port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// FindFreePortFrom tries preferred and the ports after it, up to
// maxAttempts, before falling back to an OS-assigned port.
func FindFreePortFrom(preferred, maxAttempts int) (int, error) {
	for i := range maxAttempts {
		port := preferred + i
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return FindFreePort()
}
