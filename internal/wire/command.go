package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a control-channel command.
type Kind int

// Command kinds understood by the server.
const (
	KindUnknown Kind = iota
	KindUser
	KindPass
	KindPasv
	KindList
	KindStor
	KindRetr
	KindPing
	KindQuit
)

var kindNames = [...]string{
	KindUnknown: "",
	KindUser:    "USER",
	KindPass:    "PASS",
	KindPasv:    "PASV",
	KindList:    "LIST",
	KindStor:    "STOR",
	KindRetr:    "RETR",
	KindPing:    "PING",
	KindQuit:    "QUIT",
}

// String returns the protocol keyword for k.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) || k == KindUnknown {
		return "UNKNOWN"
	}
	return kindNames[k]
}

func lookupKind(keyword string) Kind {
	for k, name := range kindNames {
		if name != "" && name == keyword {
			return Kind(k)
		}
	}
	return KindUnknown
}

// Command is a parsed control line.
type Command struct {
	Kind Kind

	// Keyword is the upper-cased first token as sent by the peer.
	Keyword string

	// Arg is everything after the first space, untrimmed on the inside.
	Arg string
}

// ParseCommand splits line on its first space into keyword and argument.
// Unknown keywords are not an error; they yield KindUnknown so the caller can
// answer 500 and keep the session open.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(trimEOL(line))
	if line == "" {
		return Command{}, ErrEmptyLine
	}
	keyword, arg, _ := strings.Cut(line, " ")
	keyword = strings.ToUpper(keyword)
	return Command{
		Kind:    lookupKind(keyword),
		Keyword: keyword,
		Arg:     strings.TrimSpace(arg),
	}, nil
}

// String formats the command as it is sent on the wire, without terminator.
func (c Command) String() string {
	kw := c.Keyword
	if kw == "" {
		kw = c.Kind.String()
	}
	if c.Arg == "" {
		return kw
	}
	return kw + " " + c.Arg
}

// StorArgs splits the argument of "STOR <name> [<size>]". A missing size is
// reported as zero, meaning the size is unknown.
func (c Command) StorArgs() (name string, size int64, err error) {
	fields := strings.Fields(c.Arg)
	if len(fields) == 0 {
		return "", 0, fmt.Errorf("wire: STOR requires a file name")
	}
	name = fields[0]
	if len(fields) < 2 {
		return name, 0, nil
	}
	size, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return name, 0, fmt.Errorf("wire: invalid STOR size %q", fields[1])
	}
	return name, size, nil
}

// FormatCommand returns a command line including the terminator.
func FormatCommand(kind Kind, args ...string) string {
	if len(args) == 0 {
		return kind.String() + "\n"
	}
	return kind.String() + " " + strings.Join(args, " ") + "\n"
}
