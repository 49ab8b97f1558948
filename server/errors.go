package server

import "errors"

// Error kinds. Concrete errors wrap one of these so callers can classify a
// failure with errors.Is.
var (
	// ErrNetwork covers control and data channel I/O failures.
	ErrNetwork = errors.New("network error")

	// ErrProtocol covers malformed or out-of-sequence commands.
	ErrProtocol = errors.New("protocol error")

	// ErrTransfer covers short or timed-out data transfers.
	ErrTransfer = errors.New("transfer error")

	// ErrAuth covers login rejections.
	ErrAuth = errors.New("authentication error")

	// ErrFileOperation covers submission storage and question bank failures.
	ErrFileOperation = errors.New("file operation error")
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("examftp: server closed")
