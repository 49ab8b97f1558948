package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gonzalop/examftp/internal/wire"
)

func (s *session) handleUSER(arg string) bool {
	if s.server.exam.Running() {
		s.reply(wire.CodeActionRefused, wire.ReasonLoginAfterStart)
		s.rejectLogin(strings.TrimSpace(arg), wire.ReasonLoginAfterStart)
		return true
	}

	id := strings.TrimSpace(arg)
	if id == "" {
		s.reply(wire.CodeBadArguments, "Syntax error in parameters or arguments.")
		return false
	}
	if s.state == stateAuthenticated {
		s.reply(wire.CodeBadSequence, "Already logged in.")
		return false
	}

	if s.pendingID != "" && s.pendingID != id {
		s.server.guard.AbandonLogin(s.pendingID, s)
		s.pendingID = ""
	}

	if err := s.server.guard.BeginLogin(id, s); err != nil {
		s.reply(wire.CodeActionRefused, wire.ReasonAlreadyConnected)
		s.rejectLogin(id, wire.ReasonAlreadyConnected)
		return true
	}

	s.pendingID = id
	s.state = stateAwaitingPassword
	s.reply(wire.CodeNeedPassword, "Password required.")
	return false
}

func (s *session) handlePASS(secret string) bool {
	if s.state != stateAwaitingPassword {
		s.reply(wire.CodeBadSequence, "Bad sequence of commands. Use USER first.")
		return false
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		s.reply(wire.CodeBadArguments, "Syntax error in parameters or arguments.")
		return false
	}

	id := s.pendingID
	ident, err := s.server.guard.CompleteLogin(id, secret, s, s.remoteIP, s.server.auth)
	switch {
	case errors.Is(err, ErrAlreadyConnected):
		s.reply(wire.CodeActionRefused, wire.ReasonAlreadyConnected)
		s.rejectLogin(id, wire.ReasonAlreadyConnected)
		return true

	case err != nil:
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"identity", id,
			"reason", err.Error(),
		)
		if s.server.metrics != nil {
			s.server.metrics.RecordAuthentication(false, id)
		}
		s.pendingID = ""
		s.state = stateUnauthenticated
		s.reply(wire.CodeNotLoggedIn, "Login incorrect.")
		return false
	}

	s.pendingID = ""
	s.identity = ident.ID
	s.displayName = ident.DisplayName
	s.state = stateAuthenticated

	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"identity", ident.ID,
		"name", ident.DisplayName,
	)
	if s.server.metrics != nil {
		s.server.metrics.RecordAuthentication(true, ident.ID)
	}
	s.server.emit(Event{
		Kind:        EventConnected,
		Time:        ident.LoginTime,
		Identity:    ident.ID,
		DisplayName: ident.DisplayName,
		RemoteIP:    s.remoteIP,
	})

	s.reply(wire.CodeLoggedIn, "User logged in, proceed.")

	// A student joining mid-exam gets the clock straight away.
	if st := s.server.exam.Status(); st.Running {
		_ = s.writeLine(wire.Sync(st.Remaining))
	}
	return false
}

func (s *session) rejectLogin(id, reason string) {
	s.server.logger.Warn("login_rejected",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"identity", id,
		"reason", reason,
	)
	s.server.emit(Event{
		Kind:     EventLoginRejected,
		Time:     time.Now(),
		Identity: id,
		RemoteIP: s.remoteIP,
		Reason:   reason,
	})
}
