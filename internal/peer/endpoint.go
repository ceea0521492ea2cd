package peer

import (
	"fmt"
	"net"
)

// Endpoint is a candidate peer address. Two endpoints are equal by their
// (IP, Port) pair.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Key returns a comparable value suitable for use in a map/set, since
// net.IP is a slice and cannot be used directly as a map key.
func (e Endpoint) Key() string {
	return e.String()
}
