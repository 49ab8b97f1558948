package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// PushPrefix starts every server-initiated line that is not a reply.
const PushPrefix = "CMD:"

// PushKind identifies an out-of-band server push.
type PushKind int

const (
	PushUnknown PushKind = iota
	// PushMessage is a free-text announcement from the proctor.
	PushMessage
	// PushTimeSeconds carries the full exam duration when the exam starts.
	PushTimeSeconds
	// PushSync carries the authoritative remaining seconds.
	PushSync
	// PushTimeUp signals the end of the exam.
	PushTimeUp
	// PushShutdown tells clients the server is going away for good.
	PushShutdown
)

func (k PushKind) String() string {
	switch k {
	case PushMessage:
		return "MSG"
	case PushTimeSeconds:
		return "TIME_SECONDS"
	case PushSync:
		return "SYNC"
	case PushTimeUp:
		return "TIME_UP"
	case PushShutdown:
		return "SERVER_SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Push is a decoded server push.
type Push struct {
	Kind    PushKind
	Text    string // PushMessage only
	Seconds int    // PushTimeSeconds and PushSync only
}

// FormatPush encodes p as a line including the terminator.
func FormatPush(p Push) string {
	switch p.Kind {
	case PushMessage:
		// Announcements must stay on one line.
		text := strings.NewReplacer("\r", " ", "\n", " ").Replace(p.Text)
		return PushPrefix + p.Kind.String() + ":" + text + "\n"
	case PushTimeSeconds, PushSync:
		return fmt.Sprintf("%s%s:%d\n", PushPrefix, p.Kind, p.Seconds)
	default:
		return PushPrefix + p.Kind.String() + "\n"
	}
}

// Message returns an announcement push.
func Message(text string) string { return FormatPush(Push{Kind: PushMessage, Text: text}) }

// TimeSeconds returns the initial countdown push.
func TimeSeconds(n int) string { return FormatPush(Push{Kind: PushTimeSeconds, Seconds: n}) }

// Sync returns a resync push.
func Sync(n int) string { return FormatPush(Push{Kind: PushSync, Seconds: n}) }

// TimeUp returns the end-of-exam push.
func TimeUp() string { return FormatPush(Push{Kind: PushTimeUp}) }

// Shutdown returns the server shutdown push.
func Shutdown() string { return FormatPush(Push{Kind: PushShutdown}) }

// IsPush reports whether line is a server push rather than a reply.
func IsPush(line string) bool {
	return strings.HasPrefix(line, PushPrefix)
}

// ParsePush decodes a push line.
func ParsePush(line string) (Push, error) {
	rest, ok := strings.CutPrefix(trimEOL(line), PushPrefix)
	if !ok {
		return Push{}, fmt.Errorf("wire: not a push: %q", line)
	}
	keyword, payload, _ := strings.Cut(rest, ":")
	switch keyword {
	case "MSG":
		return Push{Kind: PushMessage, Text: payload}, nil
	case "TIME_SECONDS", "SYNC":
		n, err := strconv.Atoi(strings.TrimSpace(payload))
		if err != nil || n < 0 {
			return Push{}, fmt.Errorf("wire: invalid seconds in push: %q", line)
		}
		kind := PushSync
		if keyword == "TIME_SECONDS" {
			kind = PushTimeSeconds
		}
		return Push{Kind: kind, Seconds: n}, nil
	case "TIME_UP":
		return Push{Kind: PushTimeUp}, nil
	case "SERVER_SHUTDOWN":
		return Push{Kind: PushShutdown}, nil
	default:
		return Push{}, fmt.Errorf("wire: unknown push %q", line)
	}
}
