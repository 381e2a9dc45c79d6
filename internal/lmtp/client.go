// Package lmtp is a small LMTP (RFC 2033) client that delivers one message to
// one recipient per connection.
//
// It tolerates two behaviours seen on real servers: the 220 banner may be
// late or missing, and the server may drop the connection right after the
// final 250 instead of answering QUIT.
package lmtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"time"
)

// Reply codes used by the delivery sequence.
const (
	CodeBanner    = 220
	CodeClosing   = 221
	CodeOK        = 250
	CodeStartData = 354
)

const (
	defaultHostname    = "localhost"
	defaultDialTimeout = 3 * time.Second
	defaultReadTimeout = 3 * time.Second
)

// Target is where a delivery connects: a unix socket path or a TCP address.
type Target struct {
	Network string
	Address string
}

func UnixTarget(path string) Target { return Target{Network: "unix", Address: path} }

func TCPTarget(host string, port int) Target {
	return Target{Network: "tcp", Address: net.JoinHostPort(host, strconv.Itoa(port))}
}

func (t Target) String() string { return t.Network + ":" + t.Address }

// Client holds delivery settings; the zero value is usable.
//
// Deliver does not retry. A caller wanting an overall deadline passes a
// context with one; every read is additionally bounded by ReadTimeout.
type Client struct {
	// Hostname is sent as the LHLO argument.
	Hostname    string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	// BannerTimeout bounds the wait for the optional 220 banner.
	// Defaults to ReadTimeout.
	BannerTimeout time.Duration
	Log           *slog.Logger
}

func (c *Client) hostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	return defaultHostname
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return defaultDialTimeout
}

func (c *Client) readTimeout() time.Duration {
	if c.ReadTimeout > 0 {
		return c.ReadTimeout
	}
	return defaultReadTimeout
}

func (c *Client) bannerTimeout() time.Duration {
	if c.BannerTimeout > 0 {
		return c.BannerTimeout
	}
	return c.readTimeout()
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.New(slog.DiscardHandler)
}

// Deliver transmits msg from sender to recipient over target. A nil error
// means the server acknowledged the message after the end-of-data marker; the
// trailing QUIT is best-effort and never affects the result.
func (c *Client) Deliver(ctx context.Context, msg []byte, sender, recipient string, target Target) error {
	if !ValidAddress(sender) {
		return fmt.Errorf("%w: sender %q", ErrInvalidAddress, sender)
	}
	if !ValidAddress(recipient) {
		return fmt.Errorf("%w: recipient %q", ErrInvalidAddress, recipient)
	}
	d := net.Dialer{Timeout: c.dialTimeout()}
	conn, err := d.DialContext(ctx, target.Network, target.Address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrTransportUnavailable, target, err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock any pending read or write once ctx is done.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	s := &session{
		ctx:    ctx,
		client: c,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		log:    c.logger().With(slog.String("target", target.String())),
	}

	if err := s.greet(); err != nil {
		return err
	}
	if err := s.command(CodeOK, "MAIL", "MAIL FROM:<"+sender+">"); err != nil {
		return err
	}
	if err := s.command(CodeOK, "RCPT", "RCPT TO:<"+recipient+">"); err != nil {
		return err
	}
	if err := s.command(CodeStartData, "DATA", "DATA"); err != nil {
		return err
	}
	if err := s.data(msg); err != nil {
		return err
	}
	s.quit()
	return nil
}

type session struct {
	ctx    context.Context
	client *Client
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	log    *slog.Logger
}

// greet runs the banner/LHLO exchange.
//
// If a 220 banner arrives within BannerTimeout, one LHLO must be answered
// with 250. Otherwise LHLO is sent blind: a 250 answer completes the
// greeting, while a 220 means the banner was late, so LHLO is repeated and
// must then be answered with 250.
func (s *session) greet() error {
	lhlo := "LHLO " + s.client.hostname()

	banner, err := s.readWithin(s.client.bannerTimeout())
	if err != nil && s.ctxErr() != nil {
		return s.transportError("banner", err)
	}
	if err == nil && banner.Code == CodeBanner {
		return s.command(CodeOK, "LHLO", lhlo)
	}
	if err != nil {
		s.log.Debug("lmtp_banner_missing", slog.String("err", err.Error()))
	} else {
		s.log.Debug("lmtp_banner_unexpected", slog.Int("code", banner.Code))
	}

	if err := s.send(lhlo); err != nil {
		return err
	}
	rep, err := s.read()
	if err != nil {
		return err
	}
	switch rep.Code {
	case CodeOK:
		return nil
	case CodeBanner:
		return s.command(CodeOK, "LHLO", lhlo)
	default:
		return &ProtocolViolationError{Command: "LHLO", Code: rep.Code, Want: CodeOK, Lines: rep.Lines}
	}
}

// command sends line and requires a reply with code want.
func (s *session) command(want int, verb, line string) error {
	if err := s.send(line); err != nil {
		return err
	}
	return s.expect(want, verb)
}

func (s *session) expect(want int, verb string) error {
	rep, err := s.read()
	if err != nil {
		return err
	}
	if rep.Code != want {
		return &ProtocolViolationError{Command: verb, Code: rep.Code, Want: want, Lines: rep.Lines}
	}
	return nil
}

// data writes the dot-stuffed, CRLF-normalised message followed by the
// end-of-data marker and requires the final 250.
func (s *session) data(msg []byte) error {
	s.setWriteDeadline()
	dw := textproto.NewWriter(s.w).DotWriter()
	if _, err := dw.Write(msg); err != nil {
		_ = dw.Close()
		return s.transportError("write message", err)
	}
	if err := dw.Close(); err != nil {
		return s.transportError("write message", err)
	}
	return s.expect(CodeOK, "end of data")
}

func (s *session) quit() {
	if err := s.send("QUIT"); err != nil {
		s.log.Debug("lmtp_quit_ignored", slog.String("err", err.Error()))
		return
	}
	rep, err := s.read()
	if err != nil {
		s.log.Debug("lmtp_quit_ignored", slog.String("err", err.Error()))
		return
	}
	if rep.Code != CodeClosing {
		s.log.Debug("lmtp_quit_ignored", slog.Int("code", rep.Code))
	}
}

func (s *session) send(line string) error {
	s.log.Debug("lmtp_command", slog.String("line", line))
	s.setWriteDeadline()
	if _, err := s.w.WriteString(line + "\r\n"); err != nil {
		return s.transportError("write", err)
	}
	if err := s.w.Flush(); err != nil {
		return s.transportError("write", err)
	}
	return nil
}

func (s *session) read() (Reply, error) {
	rep, err := s.readWithin(s.client.readTimeout())
	if err != nil {
		if errors.Is(err, ErrMalformedReply) {
			return Reply{}, err
		}
		if errors.Is(err, io.EOF) && s.ctxErr() == nil {
			return Reply{}, fmt.Errorf("%w: connection closed before reply", ErrMalformedReply)
		}
		return Reply{}, s.transportError("read", err)
	}
	return rep, nil
}

func (s *session) readWithin(timeout time.Duration) (Reply, error) {
	_ = s.conn.SetReadDeadline(s.deadline(timeout))
	rep, err := ReadReply(s.r)
	if err != nil {
		return Reply{}, err
	}
	for _, line := range rep.Lines {
		s.log.Debug("lmtp_reply", slog.Int("code", rep.Code), slog.String("line", line))
	}
	return rep, nil
}

func (s *session) setWriteDeadline() {
	_ = s.conn.SetWriteDeadline(s.deadline(s.client.readTimeout()))
}

// deadline is now+timeout, capped by the context deadline.
func (s *session) deadline(timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := s.ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func (s *session) transportError(op string, err error) error {
	if ctxErr := s.ctxErr(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, op, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, op, err)
}

// ctxErr also reports an expired deadline whose timer has not fired yet; the
// conn deadline can trip first since both are set to the same instant.
func (s *session) ctxErr() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if dl, ok := s.ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}
