package lmtp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransportUnavailable covers refused connections, timeouts and
	// broken connections. Callers may retry out-of-band.
	ErrTransportUnavailable = errors.New("lmtp: transport unavailable")
	// ErrMalformedReply is returned for replies that cannot be parsed.
	ErrMalformedReply = errors.New("lmtp: malformed reply")
	// ErrInvalidAddress is returned before dialing when a sender or
	// recipient cannot be placed inside an angle-bracketed command argument.
	ErrInvalidAddress = errors.New("lmtp: invalid address")
)

// ValidAddress reports whether addr can be sent as a MAIL FROM or RCPT TO
// argument without altering the command line.
func ValidAddress(addr string) bool {
	return !strings.ContainsAny(addr, "\r\n<>")
}

// ProtocolViolationError reports a well-formed reply with an unexpected code.
type ProtocolViolationError struct {
	Command string
	Code    int
	Want    int
	Lines   []string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("lmtp: %s: unexpected code %d, expected %d: %s",
		e.Command, e.Code, e.Want, strings.Join(e.Lines, " | "))
}
