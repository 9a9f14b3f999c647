package suite

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the size of a library digest.
const DigestSize = blake2b.Size256

// Digest is the BLAKE2b-256 hash of a library's raw bytes.
type Digest [DigestSize]byte

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return blake2b.Sum256(data)
}

// String returns the base58 representation.
func (d Digest) String() string {
	return base58.Encode(d[:])
}

// ParseDigest decodes a base58 digest.
func ParseDigest(s string) (Digest, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid base58: %w", err)
	}
	if len(b) != DigestSize {
		return Digest{}, fmt.Errorf("invalid digest length: %d", len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Entry describes one stored library.
type Entry struct {
	Name   string `cbor:"1,keyasint"`
	Size   int64  `cbor:"2,keyasint"`
	Digest Digest `cbor:"3,keyasint"`
}

// DigestString returns the entry's digest in base58.
func (e *Entry) DigestString() string {
	return e.Digest.String()
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("suite: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalEntry serializes an Entry to CBOR bytes.
func MarshalEntry(e *Entry) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// UnmarshalEntry deserializes an Entry from CBOR bytes.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("suite: unmarshal entry: %w", err)
	}
	return &e, nil
}

// Shared codecs; EncodeAll and DecodeAll are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	if encoder, err = zstd.NewWriter(nil); err != nil {
		panic(fmt.Sprintf("suite: failed to create zstd encoder: %v", err))
	}
	if decoder, err = zstd.NewReader(nil); err != nil {
		panic(fmt.Sprintf("suite: failed to create zstd decoder: %v", err))
	}
}

// Compress returns data compressed with zstd.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return out, nil
}
