//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// LockBuffer pins key material so it cannot be swapped to disk.
// Failure is non-fatal for callers running without CAP_IPC_LOCK.
func LockBuffer(b []byte) error { return unix.Mlock(b) }

// UnlockBuffer releases a pin taken by LockBuffer.
func UnlockBuffer(b []byte) error { return unix.Munlock(b) }
