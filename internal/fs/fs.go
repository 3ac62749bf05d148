// Package fs provides the process-exclusive file lock the board daemon
// takes on its bitmap file before mapping it, so two boardd processes
// never memory-map the same file concurrently.
package fs

import "io"

// Locker represents a held file lock.
// Call [Locker.Close] to release the lock.
//
// Example:
//
//	lock, err := fs.NewReal().Lock("board.bin")
//	if err != nil {
//	    return err // lock contention or timeout
//	}
//	defer lock.Close() // always release
type Locker interface {
	io.Closer
}
