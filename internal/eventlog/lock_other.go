//go:build !unix

package eventlog

import "errors"

// ErrLocked is returned when another process holds the log.
var ErrLocked = errors.New("eventlog: log is locked by another process")

func lockFile(string) (func(), error) {
	return func() {}, nil
}
