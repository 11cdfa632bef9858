//go:build linux || darwin || freebsd || netbsd || openbsd

package ringbuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func lockMemory(b []byte) error {
	if err := unix.Mlock(b); err != nil {
		return fmt.Errorf("ringbuf: mlock %d bytes: %w", len(b), err)
	}
	return nil
}

func unlockMemory(b []byte) error {
	return unix.Munlock(b)
}
