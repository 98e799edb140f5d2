// Package iptools picks the interface address and TCP port the
// renderer binds to.
package iptools

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// OutboundIP finds the local address the kernel routes LAN traffic
// through, by opening a connectionless socket towards the SSDP group.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp4", "239.255.255.250:1900")
	if err != nil {
		return "", errors.Wrap(err, "OutboundIP UDP call")
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", errors.Wrap(err, "OutboundIP local address")
	}
	return host, nil
}

// CheckAndPickPort probes ports on ip starting at port and returns the
// first one that binds, up to 1000 attempts.
func CheckAndPickPort(ip string, port int) (int, error) {
	var numberOfchecks int
CHECK:
	numberOfchecks++
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			if numberOfchecks == 1000 {
				return 0, errors.Wrap(err, "CheckAndPickPort checked 1000 ports")
			}
			port++
			goto CHECK
		}
		return 0, errors.Wrap(err, "CheckAndPickPort")
	}
	ln.Close()
	return port, nil
}
