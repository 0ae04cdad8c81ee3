package system

import (
	"fmt"
	"net"
	"time"
)

// IsPortInUse reports whether something is already listening on the port.
func IsPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
