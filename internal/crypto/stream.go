package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// DefaultChunkSize is the plaintext chunk size for streamed encryption.
// Each chunk is sealed and authenticated independently so playback and seek
// never require decrypting a whole media file.
const DefaultChunkSize = 1 << 20

const (
	chunkMore byte = 0
	chunkLast byte = 1
)

// chunkAAD binds a chunk to its stream, position and terminality:
// [base||8-byte big-endian seq||last-flag]. Reordering, dropping or
// truncating chunks breaks authentication of the affected chunk.
func chunkAAD(base []byte, seq uint64, last bool) []byte {
	aad := make([]byte, 0, len(base)+9)
	aad = append(aad, base...)
	aad = binary.BigEndian.AppendUint64(aad, seq)
	if last {
		aad = append(aad, chunkLast)
	} else {
		aad = append(aad, chunkMore)
	}
	return aad
}

// StreamSealer seals a sequence of fixed-size chunks under one key.
type StreamSealer struct {
	aead cipher.AEAD
	base []byte
	seq  uint64
}

// NewStreamSealer returns a sealer for the given key and stream AAD.
func NewStreamSealer(key, base []byte) (*StreamSealer, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	return &StreamSealer{aead: aead, base: append([]byte(nil), base...)}, nil
}

// Seal encrypts the next chunk. last must be true exactly once, on the final
// chunk of the stream. Output layout per chunk: [nonce||ciphertext||tag].
func (s *StreamSealer) Seal(chunk []byte, last bool) ([]byte, error) {
	nonce := make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	aad := chunkAAD(s.base, s.seq, last)
	s.seq++
	out := make([]byte, 0, len(nonce)+len(chunk)+s.aead.Overhead())
	out = append(out, nonce...)
	out = s.aead.Seal(out[:len(nonce)], nonce, chunk, aad)
	return out, nil
}

// Overhead is the per-chunk ciphertext expansion (nonce plus tag).
func (s *StreamSealer) Overhead() int {
	return xchacha.NonceSizeX + s.aead.Overhead()
}

// StreamOpener verifies and decrypts chunks produced by StreamSealer.
// Chunks must be presented in their original order.
type StreamOpener struct {
	aead cipher.AEAD
	base []byte
	seq  uint64
	done bool
}

// NewStreamOpener returns an opener for the given key and stream AAD.
func NewStreamOpener(key, base []byte) (*StreamOpener, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	return &StreamOpener{aead: aead, base: append([]byte(nil), base...)}, nil
}

// Open authenticates and decrypts the next chunk. A chunk sealed at a
// different position, a chunk after the final one, or any bit flip fails
// with ErrIntegrity.
func (o *StreamOpener) Open(sealed []byte, last bool) ([]byte, error) {
	if o.done || len(sealed) < xchacha.NonceSizeX {
		return nil, ErrIntegrity
	}
	nonce := sealed[:xchacha.NonceSizeX]
	ct := sealed[xchacha.NonceSizeX:]
	pt, err := o.aead.Open(nil, nonce, ct, chunkAAD(o.base, o.seq, last))
	if err != nil {
		return nil, ErrIntegrity
	}
	o.seq++
	if last {
		o.done = true
	}
	return pt, nil
}

// Finished reports whether the authenticated final chunk has been consumed.
// A stream that ends without Finished returning true was truncated.
func (o *StreamOpener) Finished() bool { return o.done }

// SealStream encrypts everything from r to w in DefaultChunkSize chunks,
// returning the number of plaintext bytes consumed.
func SealStream(w io.Writer, r io.Reader, key, base []byte) (int64, error) {
	sealer, err := NewStreamSealer(key, base)
	if err != nil {
		return 0, err
	}
	var total int64
	buf := make([]byte, DefaultChunkSize)
	lenBuf := make([]byte, 4)
	for {
		n, rerr := io.ReadFull(r, buf)
		last := rerr == io.EOF || rerr == io.ErrUnexpectedEOF
		if rerr != nil && !last {
			return total, rerr
		}
		sealed, err := sealer.Seal(buf[:n], last)
		if err != nil {
			return total, err
		}
		binary.BigEndian.PutUint32(lenBuf, uint32(len(sealed)))
		if _, err := w.Write(lenBuf); err != nil {
			return total, err
		}
		if _, err := w.Write(sealed); err != nil {
			return total, err
		}
		total += int64(n)
		if last {
			return total, nil
		}
	}
}

// OpenStream decrypts a stream produced by SealStream, writing plaintext to w.
// It fails closed: not a single unauthenticated byte reaches w, and a stream
// missing its final chunk yields ErrIntegrity.
func OpenStream(w io.Writer, r io.Reader, key, base []byte) (int64, error) {
	opener, err := NewStreamOpener(key, base)
	if err != nil {
		return 0, err
	}
	var total int64
	lenBuf := make([]byte, 4)
	maxSealed := DefaultChunkSize + xchacha.NonceSizeX + 16
	for {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if err == io.EOF && opener.Finished() {
				return total, nil
			}
			return total, ErrIntegrity
		}
		if opener.Finished() {
			// trailing data after the authenticated final chunk
			return total, ErrIntegrity
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if int(n) > maxSealed {
			return total, ErrIntegrity
		}
		sealed := make([]byte, n)
		if _, err := io.ReadFull(r, sealed); err != nil {
			return total, ErrIntegrity
		}
		pt, err := opener.Open(sealed, false)
		if err != nil {
			// retry the same chunk as the final one
			pt, err = opener.Open(sealed, true)
			if err != nil {
				return total, ErrIntegrity
			}
		}
		if _, err := w.Write(pt); err != nil {
			return total, err
		}
		total += int64(len(pt))
	}
}
