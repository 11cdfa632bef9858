//go:build !(linux || darwin || freebsd || netbsd || openbsd || windows)

package ringbuf

// Pinning is unavailable here; the ring still works, it can just page.
func lockMemory([]byte) error { return nil }

func unlockMemory([]byte) error { return nil }
