package wire

import (
	"bufio"
	"io"
)

// Telnet command bytes that may precede a line typed into a telnet client.
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// telnetFilter drops telnet negotiation from a byte stream. An escaped
// IAC IAC yields a single 0xFF.
type telnetFilter struct {
	r *bufio.Reader
}

// StripTelnet returns a reader that removes telnet commands from r, so a
// proctor can drive the control channel by hand with a telnet client.
func StripTelnet(r io.Reader) io.Reader {
	return &telnetFilter{r: bufio.NewReader(r)}
}

func (t *telnetFilter) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		// Return what we have rather than block on the network.
		if n > 0 && t.r.Buffered() == 0 {
			break
		}
		b, err := t.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b != telnetIAC {
			p[n] = b
			n++
			continue
		}

		cmd, err := t.r.ReadByte()
		if err != nil {
			return n, err
		}
		switch cmd {
		case telnetIAC:
			p[n] = telnetIAC
			n++
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			if _, err := t.r.ReadByte(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}
