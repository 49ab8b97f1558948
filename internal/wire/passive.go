package wire

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// pasvRegex matches the tuple of a 227 reply: (h1,h2,h3,h4,p1,p2)
var pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// FormatPassive returns the 227 announcement for a data port. Non-IPv4
// addresses are announced as 0.0.0.0; clients then reuse the control host.
func FormatPassive(ip net.IP, port int) string {
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	return fmt.Sprintf("%d Entering Passive Mode (%d,%d,%d,%d,%d,%d)\n",
		CodePassive, v4[0], v4[1], v4[2], v4[3], port/256, port%256)
}

// ParsePassive extracts the host and port from a 227 reply.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)" yields
// ("192.168.1.1", 50069).
func ParsePassive(line string) (string, int, error) {
	m := pasvRegex.FindStringSubmatch(line)
	if len(m) != 7 {
		return "", 0, fmt.Errorf("wire: invalid passive reply: %q", line)
	}
	var v [6]int
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil || n < 0 || n > 255 {
			return "", 0, fmt.Errorf("wire: invalid passive tuple element %q", m[i+1])
		}
		v[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
	return host, v[4]*256 + v[5], nil
}

// DataAddr returns the address to dial for a 227 reply. The announced host is
// ignored in favour of controlHost when it is unspecified, since the server may
// be bound to 0.0.0.0 or sit behind NAT.
func DataAddr(line, controlHost string) (string, error) {
	host, port, err := ParsePassive(line)
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = controlHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
