// Package wire implements the line-oriented control-channel format shared by
// the exam server and its clients.
//
// Every message is a single ASCII line terminated by '\n'. Replies start with a
// three-digit status code ("230 User logged in, proceed."), while payload and
// push lines use a keyword prefix ("DATA_LIST:a.pdf,b.pdf", "CMD:SYNC:1800").
// A trailing '\r' is accepted on input so that telnet-style clients work.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxLineLength is the maximum length of a control line, excluding the terminator.
const MaxLineLength = 4096

// Status codes used on the control channel.
const (
	CodeOpeningData    = 150
	CodeGreeting       = 220
	CodeGoodbye        = 221
	CodeTransferDone   = 226
	CodePassive        = 227
	CodeLoggedIn       = 230
	CodeNeedPassword   = 331
	CodeTooManyUsers   = 421
	CodeUnknownCommand = 500
	CodeBadArguments   = 501
	CodeBadSequence    = 503
	CodeNotLoggedIn    = 530
	CodeActionRefused  = 550
)

// Reason strings appended to 550 replies. Clients match on these exact values.
const (
	ReasonAlreadyConnected   = "ZATEN_BAGLI"
	ReasonUploadNotStarted   = "SINAV_BASLAMADI_YUKLEME_YASAK"
	ReasonDownloadNotStarted = "SINAV_BASLAMADI_INDIRME_YASAK"
	ReasonLoginAfterStart    = "SINAV_BASLADI_GIRIS_YASAK"
	ReasonTransferIncomplete = "Transfer yarim kaldi"
	ReasonDataTimeout        = "Data baglantisi zaman asimina ugradi"
	ReasonNoDataConnection   = "Can't open data connection."
	ReasonSaveFailed         = "Dosya kaydetme hatasi"
	ReasonListFailed         = "Dosya listesi alinamadi"
	ReasonInvalidSize        = "Gecersiz dosya boyutu"
	ReasonFileNotFound       = "File not found."
)

// Keywords that are not status replies.
const (
	Pong       = "PONG"
	ReadyToken = "READY"
	ListPrefix = "DATA_LIST:"
)

var (
	// ErrEmptyLine is returned by ParseCommand for blank lines.
	ErrEmptyLine = errors.New("wire: empty line")

	// ErrLineTooLong is returned by LineReader when a line exceeds MaxLineLength.
	ErrLineTooLong = errors.New("wire: line too long")
)

// Reply is a status line: a three-digit code followed by free text.
type Reply struct {
	Code int
	Text string
}

// String formats the reply without the line terminator.
func (r Reply) String() string {
	if r.Text == "" {
		return strconv.Itoa(r.Code)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// Is2xx reports whether the reply signals success.
func (r Reply) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// FormatReply returns a complete reply line including the terminator.
func FormatReply(code int, text string) string {
	return Reply{Code: code, Text: text}.String() + "\n"
}

// ParseReply parses a status line such as "550 ZATEN_BAGLI".
func ParseReply(line string) (Reply, error) {
	line = trimEOL(line)
	if len(line) < 3 {
		return Reply{}, fmt.Errorf("wire: invalid reply line: %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 599 {
		return Reply{}, fmt.Errorf("wire: invalid reply code: %q", line)
	}
	if len(line) == 3 {
		return Reply{Code: code}, nil
	}
	if line[3] != ' ' {
		return Reply{}, fmt.Errorf("wire: invalid reply format: %q", line)
	}
	return Reply{Code: code, Text: line[4:]}, nil
}

// IsReply reports whether line starts with a three-digit status code.
func IsReply(line string) bool {
	_, err := ParseReply(line)
	return err == nil
}

// FormatReady returns the READY marker sent on the control channel once the
// data channel is connected. When known is false the size is omitted and the
// peer reads until the data channel closes.
func FormatReady(size int64, known bool) string {
	if !known {
		return ReadyToken + "\n"
	}
	return fmt.Sprintf("%s %d\n", ReadyToken, size)
}

// ParseReady parses a READY marker. known is false for a bare "READY".
func ParseReady(line string) (size int64, known bool, err error) {
	line = trimEOL(line)
	if line == ReadyToken {
		return 0, false, nil
	}
	rest, ok := strings.CutPrefix(line, ReadyToken+" ")
	if !ok {
		return 0, false, fmt.Errorf("wire: not a READY marker: %q", line)
	}
	size, err = strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || size < 0 {
		return 0, false, fmt.Errorf("wire: invalid READY size: %q", line)
	}
	return size, true, nil
}

// IsReady reports whether line is a READY marker.
func IsReady(line string) bool {
	line = trimEOL(line)
	return line == ReadyToken || strings.HasPrefix(line, ReadyToken+" ")
}

// FormatList returns the LIST payload line for the given file names.
func FormatList(names []string) string {
	return ListPrefix + strings.Join(names, ",") + "\n"
}

// ParseList parses a DATA_LIST payload. An empty payload yields no names.
func ParseList(line string) ([]string, error) {
	rest, ok := strings.CutPrefix(trimEOL(line), ListPrefix)
	if !ok {
		return nil, fmt.Errorf("wire: not a list payload: %q", line)
	}
	if rest == "" {
		return nil, nil
	}
	return strings.Split(rest, ","), nil
}

// LineReader reads newline-terminated lines from a stream. Several lines that
// arrive in a single read are returned one at a time.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader returns a LineReader reading from r.
func NewLineReader(r io.Reader) *LineReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &LineReader{r: br}
	}
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator. A final unterminated
// line is returned together with io.EOF. An overlong line is discarded up to
// its terminator and reported as ErrLineTooLong, so the stream stays in sync.
func (lr *LineReader) ReadLine() (string, error) {
	var line []byte
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			return trimEOL(string(line)), err
		}
		if b == '\n' {
			return trimEOL(string(line)), nil
		}
		if len(line) >= MaxLineLength {
			lr.discardLine()
			return "", ErrLineTooLong
		}
		line = append(line, b)
	}
}

func (lr *LineReader) discardLine() {
	for {
		_, err := lr.r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

// Reset discards buffered state and reads from r.
func (lr *LineReader) Reset(r io.Reader) {
	lr.r.Reset(r)
}

// SplitLines splits a raw buffer into its non-empty lines.
func SplitLines(buf string) []string {
	var lines []string
	for _, l := range strings.Split(buf, "\n") {
		if l = trimEOL(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\r\n")
}
