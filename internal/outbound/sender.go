package outbound

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
	"github.com/k1networth/activitypub-lmtp/internal/lmtp"
)

// Delivery outcome labels.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
	StatusProtocol    = "protocol"
	StatusMalformed   = "malformed"
	StatusError       = "error"
)

// Deliverer is satisfied by *lmtp.Client.
type Deliverer interface {
	Deliver(ctx context.Context, msg []byte, sender, recipient string, target lmtp.Target) error
}

// SelectTarget prefers the unix socket when it exists on disk and falls back
// to host:port otherwise.
func SelectTarget(socket, host string, port int) lmtp.Target {
	if socket != "" {
		if _, err := os.Stat(socket); err == nil {
			return lmtp.UnixTarget(socket)
		}
	}
	return lmtp.TCPTarget(host, port)
}

// Status maps a delivery error to its metric label.
func Status(err error) string {
	var pv *lmtp.ProtocolViolationError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &pv):
		return StatusProtocol
	case errors.Is(err, lmtp.ErrMalformedReply):
		return StatusMalformed
	case errors.Is(err, lmtp.ErrTransportUnavailable):
		return StatusUnavailable
	default:
		return StatusError
	}
}

// Sender composes and delivers activities. The target is selected again on
// every call, so a socket that appears later is picked up.
type Sender struct {
	Client Deliverer

	Socket string
	Host   string
	Port   int

	// Timeout bounds a whole delivery attempt; zero means only ctx applies.
	Timeout time.Duration

	Metrics *Metrics
	Log     *slog.Logger
	Now     func() time.Time
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sender) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.New(slog.DiscardHandler)
}

// Send delivers act from one address to another. Errors carry the lmtp
// error kinds; nothing is retried.
func (s *Sender) Send(ctx context.Context, act activity.Activity, from, to string) error {
	msg, err := Compose(act, from, to, s.now())
	if err != nil {
		s.Metrics.observe(StatusError, 0)
		return err
	}
	return s.SendRaw(ctx, msg, from, to)
}

// SendRaw delivers an already composed message.
func (s *Sender) SendRaw(ctx context.Context, msg []byte, from, to string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	target := SelectTarget(s.Socket, s.Host, s.Port)
	start := time.Now()
	err := s.Client.Deliver(ctx, msg, from, to, target)
	status := Status(err)
	s.Metrics.observe(status, time.Since(start).Seconds())

	log := s.logger().With(
		slog.String("target", target.String()),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("status", status),
	)
	if err != nil {
		log.Warn("delivery_failed", slog.String("err", err.Error()))
		return err
	}
	log.Info("delivery_ok", slog.Int("bytes", len(msg)))
	return nil
}
