package crypto

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Zero32 overwrites a fixed 32-byte key array.
func Zero32(b *[KeySize]byte) {
	for i := range b {
		b[i] = 0
	}
}
