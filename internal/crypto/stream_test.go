package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestStreamRoundTrip(t *testing.T) {
	key := randBytes(t, KeySize)
	for _, size := range []int{0, 1, DefaultChunkSize - 1, DefaultChunkSize, DefaultChunkSize + 1, 3*DefaultChunkSize + 17} {
		pt := randBytes(t, size)
		var sealed bytes.Buffer
		n, err := SealStream(&sealed, bytes.NewReader(pt), key, []byte("blob/x"))
		if err != nil {
			t.Fatalf("size %d: seal: %v", size, err)
		}
		if n != int64(size) {
			t.Fatalf("size %d: sealed %d bytes", size, n)
		}
		var out bytes.Buffer
		if _, err := OpenStream(&out, bytes.NewReader(sealed.Bytes()), key, []byte("blob/x")); err != nil {
			t.Fatalf("size %d: open: %v", size, err)
		}
		if !bytes.Equal(pt, out.Bytes()) {
			t.Fatalf("size %d: plaintext mismatch", size)
		}
	}
}

func TestStreamChunkReorderFails(t *testing.T) {
	key := randBytes(t, KeySize)
	sealer, err := NewStreamSealer(key, []byte("s"))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	c0, err := sealer.Seal([]byte("chunk-zero"), false)
	if err != nil {
		t.Fatalf("seal c0: %v", err)
	}
	c1, err := sealer.Seal([]byte("chunk-one"), true)
	if err != nil {
		t.Fatalf("seal c1: %v", err)
	}

	opener, err := NewStreamOpener(key, []byte("s"))
	if err != nil {
		t.Fatalf("opener: %v", err)
	}
	if _, err := opener.Open(c1, true); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("reordered chunk accepted: %v", err)
	}
	// the stream is still usable at the correct position
	if _, err := opener.Open(c0, false); err != nil {
		t.Fatalf("open c0: %v", err)
	}
	if _, err := opener.Open(c1, true); err != nil {
		t.Fatalf("open c1: %v", err)
	}
	if !opener.Finished() {
		t.Fatal("expected finished stream")
	}
}

func TestStreamTruncationFails(t *testing.T) {
	key := randBytes(t, KeySize)
	pt := randBytes(t, 2*DefaultChunkSize+100)
	var sealed bytes.Buffer
	if _, err := SealStream(&sealed, bytes.NewReader(pt), key, nil); err != nil {
		t.Fatalf("seal: %v", err)
	}
	// drop the final chunk entirely
	trunc := sealed.Bytes()[:4+DefaultChunkSize+40]
	var out bytes.Buffer
	if _, err := OpenStream(&out, bytes.NewReader(trunc), key, nil); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("truncated stream accepted: %v", err)
	}
}

func TestStreamBitFlipFails(t *testing.T) {
	key := randBytes(t, KeySize)
	pt := randBytes(t, 1000)
	var sealed bytes.Buffer
	if _, err := SealStream(&sealed, bytes.NewReader(pt), key, nil); err != nil {
		t.Fatalf("seal: %v", err)
	}
	mut := sealed.Bytes()
	mut[len(mut)/2] ^= 0x80
	var out bytes.Buffer
	if _, err := OpenStream(&out, bytes.NewReader(mut), key, nil); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("flipped stream accepted: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("unauthenticated plaintext leaked: %d bytes", out.Len())
	}
}

func TestStreamTrailingGarbageFails(t *testing.T) {
	key := randBytes(t, KeySize)
	var sealed bytes.Buffer
	if _, err := SealStream(&sealed, bytes.NewReader([]byte("short")), key, nil); err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed.Write([]byte{0, 0, 0, 4, 1, 2, 3, 4})
	var out bytes.Buffer
	if _, err := OpenStream(&out, bytes.NewReader(sealed.Bytes()), key, nil); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("trailing garbage accepted: %v", err)
	}
}

func BenchmarkSealStream(b *testing.B) {
	key := make([]byte, KeySize)
	pt := make([]byte, 8*DefaultChunkSize)
	b.SetBytes(int64(len(pt)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := SealStream(nopWriter{}, bytes.NewReader(pt), key, nil); err != nil {
			b.Fatal(err)
		}
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
