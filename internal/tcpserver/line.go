package tcpserver

import (
	"bufio"
	"errors"
	"net"
	"strings"
)

var errLineTooLong = errors.New("tcpserver: line too long")

// readLine returns the next line without its terminator, CRLF or LF. A final
// unterminated line is returned together with the read error. Blank lines come back
// empty with a nil error.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var b strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		if b.Len()+len(chunk) > limit+2 {
			return "", errLineTooLong
		}
		b.Write(chunk)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		line := strings.TrimRight(b.String(), "\r\n")
		if len(line) > limit {
			return "", errLineTooLong
		}
		return line, err
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
