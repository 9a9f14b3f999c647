package debuginfo

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
)

// ErrMalformedUTF is returned for byte sequences that are not modified
// UTF-8.
var ErrMalformedUTF = errors.New("malformed modified UTF-8")

// ReadUTF reads a string stored as a big-endian 16-bit byte length followed
// by modified UTF-8: NUL is two bytes and supplementary characters are
// surrogate pairs encoded separately.
func ReadUTF(r io.ByteReader) (string, error) {
	hi, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	lo, err := r.ReadByte()
	if err != nil {
		return "", noEOF(err)
	}

	n := int(hi)<<8 | int(lo)
	units := make([]uint16, 0, n)
	for i := 0; i < n; {
		a, err := r.ReadByte()
		if err != nil {
			return "", noEOF(err)
		}
		i++

		switch {
		case a&0x80 == 0:
			units = append(units, uint16(a))

		case a&0xE0 == 0xC0:
			if i+1 > n {
				return "", ErrMalformedUTF
			}
			b, err := r.ReadByte()
			if err != nil {
				return "", noEOF(err)
			}
			i++
			if b&0xC0 != 0x80 {
				return "", fmt.Errorf("%w: bad continuation 0x%02x", ErrMalformedUTF, b)
			}
			units = append(units, uint16(a&0x1F)<<6|uint16(b&0x3F))

		case a&0xF0 == 0xE0:
			if i+2 > n {
				return "", ErrMalformedUTF
			}
			b, err := r.ReadByte()
			if err != nil {
				return "", noEOF(err)
			}
			c, err := r.ReadByte()
			if err != nil {
				return "", noEOF(err)
			}
			i += 2
			if b&0xC0 != 0x80 || c&0xC0 != 0x80 {
				return "", fmt.Errorf("%w: bad continuation", ErrMalformedUTF)
			}
			units = append(units, uint16(a&0x0F)<<12|uint16(b&0x3F)<<6|uint16(c&0x3F))

		default:
			return "", fmt.Errorf("%w: bad lead byte 0x%02x", ErrMalformedUTF, a)
		}
	}

	return string(utf16.Decode(units)), nil
}

// AppendUTF appends s in the length-prefixed form read by ReadUTF.
func AppendUTF(dst []byte, s string) ([]byte, error) {
	var body []byte
	for _, u := range utf16.Encode([]rune(s)) {
		switch {
		case u != 0 && u < 0x80:
			body = append(body, byte(u))
		case u < 0x800:
			body = append(body, 0xC0|byte(u>>6), 0x80|byte(u&0x3F))
		default:
			body = append(body, 0xE0|byte(u>>12), 0x80|byte(u>>6&0x3F), 0x80|byte(u&0x3F))
		}
	}

	if len(body) > 0xFFFF {
		return dst, fmt.Errorf("string of %d bytes too long", len(body))
	}
	dst = append(dst, byte(len(body)>>8), byte(len(body)))
	return append(dst, body...), nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
