//go:build !linux && !darwin

package crypto

// LockBuffer is a no-op where mlock is unavailable.
func LockBuffer(b []byte) error { return nil }

// UnlockBuffer is a no-op where mlock is unavailable.
func UnlockBuffer(b []byte) error { return nil }
