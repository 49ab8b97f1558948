package examftp

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/gonzalop/examftp/internal/wire"
)

var (
	// ErrAlreadyConnected is returned by Login when the identity is already
	// held by another live session.
	ErrAlreadyConnected = errors.New("examftp: identity already connected")

	// ErrLoginClosed is returned by Login once the exam has started.
	ErrLoginClosed = errors.New("examftp: logins are closed while the exam is running")

	// ErrBadCredentials is returned by Login when the server rejects the secret.
	ErrBadCredentials = errors.New("examftp: login incorrect")

	// ErrNotLoggedIn is returned when a command requires authentication.
	ErrNotLoggedIn = errors.New("examftp: not logged in")

	// ErrExamNotStarted is returned by Store and Retrieve while no exam is running.
	ErrExamNotStarted = errors.New("examftp: exam is not running")

	// ErrIncomplete is returned when a transfer ended before all bytes arrived.
	ErrIncomplete = errors.New("examftp: transfer incomplete")

	// ErrTooLarge is returned when the server refuses a file over its size limit.
	ErrTooLarge = errors.New("examftp: file too large")

	// ErrClosed is returned by operations on a client whose control connection is gone.
	ErrClosed = errors.New("examftp: connection closed")
)

// ProtocolError represents a refused command with the full context of the
// command/response exchange.
//
// ProtocolError unwraps to one of the package sentinels when the server's
// reason string identifies one, so callers can use errors.Is:
//
//	if errors.Is(err, examftp.ErrAlreadyConnected) {
//	    // someone else is logged in as this student
//	}
type ProtocolError struct {
	// Command is the command that was sent (e.g., "STOR cevap.pdf 1024")
	Command string

	// Response is the reply text received from the server (e.g., "ZATEN_BAGLI")
	Response string

	// Code is the numeric reply code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("examftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Unwrap maps well-known reason strings to sentinel errors.
func (e *ProtocolError) Unwrap() error {
	switch {
	case e.Response == wire.ReasonAlreadyConnected:
		return ErrAlreadyConnected
	case e.Response == wire.ReasonLoginAfterStart:
		return ErrLoginClosed
	case e.Response == wire.ReasonUploadNotStarted, e.Response == wire.ReasonDownloadNotStarted:
		return ErrExamNotStarted
	case e.Response == wire.ReasonTransferIncomplete:
		return ErrIncomplete
	case e.Response == wire.ReasonFileNotFound:
		return fs.ErrNotExist
	case strings.HasPrefix(e.Response, "File too large"):
		return ErrTooLarge
	case e.Code == wire.CodeNotLoggedIn && strings.HasPrefix(e.Command, "PASS"):
		return ErrBadCredentials
	case e.Code == wire.CodeNotLoggedIn:
		return ErrNotLoggedIn
	}
	return nil
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ProtocolError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ProtocolError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
func (e *ProtocolError) IsTemporary() bool {
	return e.Is4xx()
}
