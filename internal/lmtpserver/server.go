// Package lmtpserver accepts LMTP deliveries and feeds each message to a
// Handler.
package lmtpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/k1networth/activitypub-lmtp/internal/shared/requestid"
)

// Handler processes one raw message and returns the acknowledgement line.
type Handler interface {
	Process(ctx context.Context, raw []byte) string
}

type Config struct {
	Domain          string
	MaxMessageBytes int
	// HandlerTimeout bounds one Handler.Process call.
	HandlerTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server is an LMTP listener bound to a Handler.
type Server struct {
	smtp *smtp.Server
	log  *slog.Logger
}

func New(cfg Config, h Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	be := &backend{handler: h, log: log, timeout: cfg.HandlerTimeout}

	s := smtp.NewServer(be)
	s.LMTP = true
	s.Domain = cfg.Domain
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.AuthDisabled = true
	s.ErrorLog = errorLog{log: log}
	return &Server{smtp: s, log: log}
}

// Listen opens addr; an absolute path or a "unix:" prefix selects a unix
// socket, anything else is a TCP address.
func Listen(addr string) (net.Listener, error) {
	network := "tcp"
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, addr = "unix", rest
	} else if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	if network == "unix" {
		removeStaleSocket(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("lmtp listen %s %s: %w", network, addr, err)
	}
	return ln, nil
}

// removeStaleSocket deletes a socket left behind by a previous process.
// Regular files are never touched.
func removeStaleSocket(path string) {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if c, err := net.Dial("unix", path); err == nil {
		_ = c.Close()
		return
	}
	_ = os.Remove(path)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every open connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.smtp.Serve(ln) }()

	s.log.Info("lmtp_listen", slog.String("addr", ln.Addr().String()))
	select {
	case <-ctx.Done():
		s.log.Info("lmtp_shutdown")
		_ = s.smtp.Close()
		// Serve may not have registered ln yet when ctx is already done.
		_ = ln.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

type backend struct {
	handler Handler
	log     *slog.Logger
	timeout time.Duration
}

func (b *backend) Login(*smtp.ConnectionState, string, string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

func (b *backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	log := b.log.With(slog.String("helo", state.Hostname))
	if state.RemoteAddr != nil {
		log = log.With(slog.String("remote", state.RemoteAddr.String()))
	}
	return &session{backend: b, log: log}, nil
}

type session struct {
	backend *backend
	log     *slog.Logger
	from    string
	to      []string
}

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

// Data always succeeds once the body is read: processing failures are the
// handler's business and must not make the client redeliver.
func (s *session) Data(r io.Reader) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			s.log.Warn("lmtp_message_rejected", slog.Int("code", smtpErr.Code), slog.String("err", smtpErr.Message))
			return smtpErr
		}
		s.log.Error("lmtp_data_read_failed", slog.String("err", err.Error()))
		return err
	}

	rid := requestid.New()
	ctx := requestid.With(context.Background(), rid)
	if s.backend.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.backend.timeout)
		defer cancel()
	}

	start := time.Now()
	ack := s.backend.handler.Process(ctx, buf.Bytes())
	s.log.Info("lmtp_message_handled",
		slog.String("request_id", rid),
		slog.String("mail_from", s.from),
		slog.Any("rcpt_to", s.to),
		slog.Int("bytes", buf.Len()),
		slog.String("ack", ack),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

type errorLog struct {
	log *slog.Logger
}

func (l errorLog) Printf(format string, v ...interface{}) {
	l.log.Error("lmtp_server_error", slog.String("err", fmt.Sprintf(format, v...)))
}

func (l errorLog) Println(v ...interface{}) {
	l.log.Error("lmtp_server_error", slog.String("err", strings.TrimSpace(fmt.Sprintln(v...))))
}
