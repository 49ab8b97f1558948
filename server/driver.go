package server

import "time"

// Authenticator validates a student's credentials.
//
// Verify returns ok=false for an unknown identity or a wrong secret; err is
// reserved for backend failures (unreadable credential store, etc.), which
// the server treats as a rejected login.
type Authenticator interface {
	Verify(identity, secret string) (displayName string, ok bool, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(identity, secret string) (string, bool, error)

func (f AuthenticatorFunc) Verify(identity, secret string) (string, bool, error) {
	return f(identity, secret)
}

// Submission describes a stored answer file.
type Submission struct {
	Path     string // where the file was written
	SafeName string // sanitized on-disk name
	Size     int64
	SHA256   string
}

// SubmissionStore persists uploaded answer files.
//
// Save is only called with a complete body: partial uploads never reach it.
// Implementations choose the on-disk name; originalName is the name the
// student sent and must be treated as untrusted.
type SubmissionStore interface {
	Save(data []byte, identity, originalName string) (Submission, error)
}

// QuestionBank serves the exam's question files.
//
// ReadFile must return an error satisfying errors.Is(err, os.ErrNotExist)
// for unknown names.
type QuestionBank interface {
	ListFiles() ([]string, error)
	ReadFile(name string) ([]byte, error)
}

// EventKind identifies an Observer notification.
type EventKind int

const (
	EventConnected EventKind = iota
	EventLoginRejected
	EventDelivered
	EventDisconnected
	EventExamStarted
	EventExamExtended
	EventTimeUp
	EventUnlocked
	EventBroadcast
)

var eventNames = [...]string{
	EventConnected:     "connected",
	EventLoginRejected: "login_rejected",
	EventDelivered:     "delivered",
	EventDisconnected:  "disconnected",
	EventExamStarted:   "exam_started",
	EventExamExtended:  "exam_extended",
	EventTimeUp:        "exam_time_up",
	EventUnlocked:      "entries_unlocked",
	EventBroadcast:     "broadcast",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is a state change reported to the Observer. Fields that do not apply
// to a kind are left empty.
type Event struct {
	Kind        EventKind
	Time        time.Time
	Identity    string
	DisplayName string
	RemoteIP    string
	File        string // delivered file name
	Reason      string // rejection reason or broadcast text
	Seconds     int    // exam time, for exam events
}

// Observer receives events from the server. Notify is called from a single
// dispatch goroutine; slow observers cause events to be dropped, never
// protocol handling to stall.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }
