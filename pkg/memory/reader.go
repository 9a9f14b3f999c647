package memory

import (
	"io"
)

// Reader is a sequential byte stream over readable memory, limited to a
// number of bytes. It never reads past the limit.
type Reader struct {
	mem       Readable
	addr      uint32
	remaining int
}

// NewReader returns a stream reading at most limit bytes from addr.
func NewReader(mem Readable, addr uint32, limit int) *Reader {
	return &Reader{mem: mem, addr: addr, remaining: limit}
}

// Addr returns the address of the next byte to be read.
func (r *Reader) Addr() uint32 {
	return r.addr
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	b, err := r.mem.Read8(r.addr)
	if err != nil {
		return 0, err
	}
	r.addr++
	r.remaining--
	return b, nil
}

// Read implements io.Reader. A short read is returned along with the memory
// error when the window ends inside p.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if len(p) > r.remaining {
		p = p[:r.remaining]
	}

	if err := r.mem.ReadBytes(r.addr, p); err == nil {
		r.addr += uint32(len(p))
		r.remaining -= len(p)
		return len(p), nil
	}

	// Slow path, up to the end of the window
	n := 0
	for n < len(p) {
		b, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		p[n] = b
		n++
	}
	return n, nil
}
