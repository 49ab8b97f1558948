package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gonzalop/examftp/internal/ratelimit"
	"github.com/gonzalop/examftp/internal/transfer"
	"github.com/gonzalop/examftp/internal/wire"
)

func (s *session) handlePASV() {
	if !s.requireLogin() {
		return
	}

	if s.pasv != nil {
		s.pasv.close()
		s.pasv = nil
	}

	dc, err := s.server.openDataChannel()
	if err != nil {
		s.logDataError("PASV", err)
		s.reply(wire.CodeActionRefused, wire.ReasonNoDataConnection)
		return
	}
	if err := s.announcePassive(dc); err != nil {
		dc.close()
		return
	}
	s.pasv = dc
}

func (s *session) handleLIST() {
	if !s.requireLogin() {
		return
	}
	if s.server.questions == nil {
		s.reply(wire.CodeActionRefused, wire.ReasonListFailed)
		return
	}

	names, err := s.server.questions.ListFiles()
	if err != nil {
		s.server.logger.Error("list_failed",
			"session_id", s.sessionID,
			"identity", s.identity,
			"error", err,
		)
		s.reply(wire.CodeActionRefused, wire.ReasonListFailed)
		return
	}
	s.lastCode = 200
	_ = s.writeLine(wire.FormatList(names))
}

func (s *session) handleSTOR(cmd wire.Command) {
	if !s.requireLogin() {
		return
	}
	if !s.server.exam.Running() {
		s.server.logger.Warn("upload_refused",
			"session_id", s.sessionID,
			"identity", s.identity,
			"reason", wire.ReasonUploadNotStarted,
		)
		s.reply(wire.CodeActionRefused, wire.ReasonUploadNotStarted)
		return
	}

	name, size, err := cmd.StorArgs()
	if err != nil {
		if name == "" {
			s.reply(wire.CodeBadArguments, "Syntax error in parameters or arguments.")
		} else {
			s.reply(wire.CodeActionRefused, wire.ReasonInvalidSize)
		}
		return
	}
	if size > s.server.maxFileSize {
		s.replyTooLarge()
		return
	}

	dc, err := s.takeDataChannel()
	if err != nil {
		return
	}
	s.reply(wire.CodeOpeningData, fmt.Sprintf("Opening binary mode data connection for %s.", name))

	conn, err := dc.accept(s.server.dataTimeout)
	if err != nil {
		s.logDataError("STOR", err)
		s.reply(wire.CodeActionRefused, wire.ReasonDataTimeout)
		return
	}
	defer conn.Close()

	if err := s.writeLine(wire.FormatReady(0, false)); err != nil {
		return
	}

	start := time.Now()
	data, err := transfer.Receive(s.limitConn(conn), size, s.transferOptions(size))
	conn.Close()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransfer, err)
		s.server.logger.Warn("transfer_incomplete",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"identity", s.identity,
			"operation", "STOR",
			"file", name,
			"expected", size,
			"received", len(data),
			"error", err,
		)
		if errors.Is(err, transfer.ErrTooLarge) {
			s.replyTooLarge()
		} else {
			s.reply(wire.CodeActionRefused, wire.ReasonTransferIncomplete)
		}
		return
	}

	if s.server.store == nil {
		s.reply(wire.CodeActionRefused, wire.ReasonSaveFailed)
		return
	}
	sub, err := s.server.store.Save(data, s.identity, name)
	if err != nil {
		s.server.logger.Error("save_failed",
			"session_id", s.sessionID,
			"identity", s.identity,
			"file", name,
			"error", err,
		)
		s.reply(wire.CodeActionRefused, wire.ReasonSaveFailed)
		return
	}
	duration := time.Since(start)

	s.server.guard.RecordDelivery(s.identity, s, name)
	s.server.uploads.Add(1)
	s.server.bytesReceived.Add(int64(len(data)))
	s.logTransfer("STOR", name, int64(len(data)), duration, "stored_as", sub.SafeName, "sha256", sub.SHA256)
	s.server.emit(Event{
		Kind:        EventDelivered,
		Time:        time.Now(),
		Identity:    s.identity,
		DisplayName: s.displayName,
		RemoteIP:    s.remoteIP,
		File:        name,
	})

	s.reply(wire.CodeTransferDone, "Transfer complete.")
}

func (s *session) handleRETR(arg string) {
	if !s.requireLogin() {
		return
	}
	if !s.server.exam.Running() {
		s.server.logger.Warn("download_refused",
			"session_id", s.sessionID,
			"identity", s.identity,
			"reason", wire.ReasonDownloadNotStarted,
		)
		s.reply(wire.CodeActionRefused, wire.ReasonDownloadNotStarted)
		return
	}

	name := strings.TrimSpace(arg)
	if name == "" {
		s.reply(wire.CodeBadArguments, "Syntax error in parameters or arguments.")
		return
	}
	if s.server.questions == nil {
		s.reply(wire.CodeActionRefused, wire.ReasonFileNotFound)
		return
	}
	data, err := s.server.questions.ReadFile(name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.server.logger.Error("question_read_failed",
				"session_id", s.sessionID,
				"identity", s.identity,
				"file", name,
				"error", err,
			)
		}
		s.reply(wire.CodeActionRefused, wire.ReasonFileNotFound)
		return
	}
	size := int64(len(data))

	dc, err := s.takeDataChannel()
	if err != nil {
		return
	}
	s.reply(wire.CodeOpeningData, fmt.Sprintf("Opening binary mode data connection for %s (%d bytes).", name, size))

	conn, err := dc.accept(s.server.dataTimeout)
	if err != nil {
		s.logDataError("RETR", err)
		s.reply(wire.CodeActionRefused, wire.ReasonDataTimeout)
		return
	}
	defer conn.Close()

	if err := s.writeLine(wire.FormatReady(size, true)); err != nil {
		return
	}

	start := time.Now()
	sent, err := transfer.Send(s.limitConn(conn), data, s.transferOptions(size))
	conn.Close()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransfer, err)
		s.server.logger.Warn("transfer_incomplete",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"identity", s.identity,
			"operation", "RETR",
			"file", name,
			"expected", size,
			"sent", sent,
			"error", err,
		)
		s.reply(wire.CodeActionRefused, wire.ReasonTransferIncomplete)
		return
	}

	s.server.guard.Touch(s.identity, s)
	s.server.downloads.Add(1)
	s.server.bytesSent.Add(sent)
	s.logTransfer("RETR", name, sent, time.Since(start))
	s.reply(wire.CodeTransferDone, "Transfer complete.")
}

// takeDataChannel returns the channel opened by PASV, consuming it, or opens
// and announces a fresh one. On failure the 550 reply has been sent.
func (s *session) takeDataChannel() (*dataChannel, error) {
	if dc := s.pasv; dc != nil {
		s.pasv = nil
		return dc, nil
	}

	dc, err := s.server.openDataChannel()
	if err != nil {
		s.logDataError("data_channel", err)
		s.reply(wire.CodeActionRefused, wire.ReasonNoDataConnection)
		return nil, err
	}
	if err := s.announcePassive(dc); err != nil {
		dc.close()
		return nil, err
	}
	return dc, nil
}

func (s *session) announcePassive(dc *dataChannel) error {
	s.lastCode = wire.CodePassive
	return s.writeLine(wire.FormatPassive(s.passiveIP(), dc.port))
}

// passiveIP picks the address announced in 227: the configured public host
// (resolved to IPv4 when it is a name) or the control connection's local
// address.
func (s *session) passiveIP() net.IP {
	if host := s.server.publicHost; host != "" {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
		if ips, err := net.LookupIP(host); err == nil {
			for _, ip := range ips {
				if v4 := ip.To4(); v4 != nil {
					return v4
				}
			}
		}
	}
	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

func (s *session) transferOptions(size int64) transfer.Options {
	timeout := transfer.TimeoutFor(size)
	if s.server.dataTimeout > timeout {
		timeout = s.server.dataTimeout
	}
	return transfer.Options{
		ChunkSize: s.server.bufferSize,
		Timeout:   timeout,
		Limiter:   ratelimit.New(s.server.bandwidthPerTransfer),
		Limit:     s.server.maxFileSize,
	}
}

// limitConn applies the server-wide bandwidth cap, if any, on top of the
// per-transfer limiter that transferOptions sets up.
func (s *session) limitConn(conn net.Conn) transfer.Conn {
	if s.server.globalLimiter == nil {
		return conn
	}
	return &limitedConn{
		Conn: conn,
		r:    ratelimit.NewReader(context.Background(), conn, s.server.globalLimiter),
		w:    ratelimit.NewWriter(context.Background(), conn, s.server.globalLimiter),
	}
}

type limitedConn struct {
	net.Conn
	r io.Reader
	w io.Writer
}

func (c *limitedConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *limitedConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (s *session) replyTooLarge() {
	s.reply(wire.CodeActionRefused, fmt.Sprintf("File too large (max %dMB).", s.server.maxFileSize/(1024*1024)))
}

func (s *session) logDataError(op string, err error) {
	s.server.logger.Warn("data_channel_failed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"identity", s.identity,
		"operation", op,
		"error", err,
	)
}

func (s *session) logTransfer(op, name string, bytes int64, duration time.Duration, extra ...any) {
	throughputMBps := float64(0)
	if duration.Seconds() > 0 {
		throughputMBps = float64(bytes) / duration.Seconds() / 1024 / 1024
	}

	attrs := []any{
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"identity", s.identity,
		"operation", op,
		"file", name,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
	}
	s.server.logger.Info("transfer_complete", append(attrs, extra...)...)

	if s.server.metrics != nil {
		s.server.metrics.RecordTransfer(op, bytes, duration)
	}
}
