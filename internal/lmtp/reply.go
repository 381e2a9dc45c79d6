package lmtp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Reply is one parsed server response. Multi-line replies keep every line;
// only Code is significant for the protocol.
type Reply struct {
	Code  int
	Lines []string
}

func (r Reply) String() string { return strings.Join(r.Lines, "\n") }

// ReadReply reads one possibly multi-line reply ("250-a", "250-b", "250 c").
//
// An empty first line, a non-numeric code, or a connection that closes before
// the continuation is terminated yield ErrMalformedReply. io.EOF is returned
// unchanged when the peer closed before sending anything; other read errors
// are returned unchanged as well.
func ReadReply(r *bufio.Reader) (Reply, error) {
	first, err := readLine(r)
	if err != nil {
		return Reply{}, err
	}
	if first == "" {
		return Reply{}, fmt.Errorf("%w: empty reply", ErrMalformedReply)
	}
	code, err := parseCode(first)
	if err != nil {
		return Reply{}, err
	}

	rep := Reply{Code: code, Lines: []string{first}}
	prefix := first[:3]
	cont := len(first) > 3 && first[3] == '-'
	for cont {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Reply{}, fmt.Errorf("%w: connection closed inside multi-line reply after %q", ErrMalformedReply, rep.Lines[len(rep.Lines)-1])
			}
			return Reply{}, err
		}
		if line == "" {
			return Reply{}, fmt.Errorf("%w: empty line inside multi-line reply", ErrMalformedReply)
		}
		if !strings.HasPrefix(line, prefix) {
			return Reply{}, fmt.Errorf("%w: continuation %q does not carry code %s", ErrMalformedReply, line, prefix)
		}
		rep.Lines = append(rep.Lines, line)
		cont = len(line) > 3 && line[3] == '-'
	}
	return rep, nil
}

// readLine returns one line without surrounding whitespace. A final line
// without a newline is returned as-is; io.EOF is only reported when nothing
// was read.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func parseCode(line string) (int, error) {
	if len(line) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	for _, ch := range line[:3] {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
	}
	if len(line) > 3 && line[3] != ' ' && line[3] != '-' {
		return 0, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	code, _ := strconv.Atoi(line[:3])
	return code, nil
}
