//go:build !unix

package network

import "net"

// NewSocket wraps conn using read and write deadlines.
func NewSocket(conn net.Conn, nonblocking bool) Socket {
	return &deadlineSocket{conn: conn, nonblocking: nonblocking}
}
