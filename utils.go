package processional

import (
	"net"
)

// findFreePort finds an available TCP port for a ZeroMQ endpoint
func findFreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 5555
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 5555
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}
