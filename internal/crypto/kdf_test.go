package crypto

import (
	"bytes"
	"testing"
	"time"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	p := KDFParams{Memory: 64, Time: 1, Parallelism: 1, Salt: []byte("0123456789abcdef0123456789abcdef")}
	k1 := DeriveKey([]byte("abc123"), p)
	k2 := DeriveKey([]byte("abc123"), p)
	if !bytes.Equal(k1, k2) {
		t.Fatal("same password and salt must derive the same key")
	}
	if len(k1) != KeySize {
		t.Fatalf("key size %d", len(k1))
	}
}

func TestDeriveKeySaltSeparation(t *testing.T) {
	p1 := KDFParams{Memory: 64, Time: 1, Parallelism: 1, Salt: NewSalt()}
	p2 := p1.WithFreshSalt()
	if bytes.Equal(p1.Salt, p2.Salt) {
		t.Fatal("expected distinct salts")
	}
	if bytes.Equal(DeriveKey([]byte("same"), p1), DeriveKey([]byte("same"), p2)) {
		t.Fatal("keys must differ across salts")
	}
}

func TestDeriveKeyPasswordSeparation(t *testing.T) {
	p := KDFParams{Memory: 64, Time: 1, Parallelism: 1, Salt: NewSalt()}
	if bytes.Equal(DeriveKey([]byte("abc123"), p), DeriveKey([]byte("abc124"), p)) {
		t.Fatal("keys must differ across passwords")
	}
}

func TestCalibrateReturnsUsableParams(t *testing.T) {
	if testing.Short() {
		t.Skip("kdf calibration in -short mode")
	}
	p := Calibrate(50 * time.Millisecond)
	if p.Time < 3 || len(p.Salt) != saltSize {
		t.Fatalf("unexpected params %+v", p)
	}
}

func BenchmarkDeriveKeyDefault(b *testing.B) {
	p := DefaultKDF()
	for i := 0; i < b.N; i++ {
		Zero(DeriveKey([]byte("benchmark-password"), p))
	}
}
