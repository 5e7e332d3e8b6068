// Package oer implements the subset of Octet Encoding Rules used by the
// Interledger wire formats: fixed-width unsigned integers, length-prefixed
// octet strings and variable-length unsigned integers.
package oer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedEOF is returned when a read runs past the end of the buffer.
	ErrUnexpectedEOF = errors.New("oer: unexpected end of buffer")
	// ErrInvalidLength is returned for malformed or oversized length prefixes.
	ErrInvalidLength = errors.New("oer: invalid length prefix")
)

// maxLengthOctets bounds the size of a long-form length prefix.
const maxLengthOctets = 8

// Writer accumulates OER-encoded values.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer with the supplied initial capacity.
func NewWriter(capacity int) *Writer {
	if capacity < 0 {
		capacity = 0
	}
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) WriteUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) WriteUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

// WriteOctets appends raw bytes without a length prefix.
func (w *Writer) WriteOctets(b []byte) { w.buf = append(w.buf, b...) }

// WriteLengthPrefix appends an OER length determinant for n bytes.
func (w *Writer) WriteLengthPrefix(n int) {
	if n < 0x80 {
		w.buf = append(w.buf, byte(n))
		return
	}
	octets := minimalUint(uint64(n))
	w.buf = append(w.buf, 0x80|byte(len(octets)))
	w.buf = append(w.buf, octets...)
}

// WriteVarOctets appends a length-prefixed octet string.
func (w *Writer) WriteVarOctets(b []byte) {
	w.WriteLengthPrefix(len(b))
	w.buf = append(w.buf, b...)
}

// WriteVarString appends a length-prefixed string.
func (w *Writer) WriteVarString(s string) {
	w.WriteLengthPrefix(len(s))
	w.buf = append(w.buf, s...)
}

// WriteVarUint appends a variable-length unsigned integer.
func (w *Writer) WriteVarUint(v uint64) {
	w.WriteVarOctets(minimalUint(v))
}

// Len reports the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the encoded buffer. The writer must not be reused afterwards.
func (w *Writer) Bytes() []byte { return w.buf }

// LengthPrefixSize reports how many bytes the length determinant for n occupies.
func LengthPrefixSize(n int) int {
	if n < 0x80 {
		return 1
	}
	return 1 + len(minimalUint(uint64(n)))
}

func minimalUint(v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	out := make([]byte, 8-i)
	copy(out, tmp[i:])
	return out
}

// Reader consumes OER-encoded values from a byte slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for decoding. The slice is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Offset reports the current read position.
func (r *Reader) Offset() int { return r.pos }

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.ReadOctets(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadOctets(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadOctets(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadOctets(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadOctets returns the next n bytes. The returned slice aliases the input.
func (r *Reader) ReadOctets(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrUnexpectedEOF
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// ReadLengthPrefix decodes a length determinant and checks it against the
// unread bytes.
func (r *Reader) ReadLengthPrefix() (int, error) {
	first, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	if first&0x80 == 0 {
		n := int(first)
		if n > r.Remaining() {
			return 0, ErrUnexpectedEOF
		}
		return n, nil
	}
	count := int(first & 0x7f)
	if count == 0 || count > maxLengthOctets {
		return 0, fmt.Errorf("%w: %d length octets", ErrInvalidLength, count)
	}
	raw, err := r.ReadOctets(count)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, b := range raw {
		n = n<<8 | uint64(b)
	}
	if n > uint64(r.Remaining()) {
		return 0, ErrUnexpectedEOF
	}
	return int(n), nil
}

// ReadVarOctets decodes a length-prefixed octet string. The returned slice
// aliases the input.
func (r *Reader) ReadVarOctets() ([]byte, error) {
	n, err := r.ReadLengthPrefix()
	if err != nil {
		return nil, err
	}
	return r.ReadOctets(n)
}

func (r *Reader) ReadVarString() (string, error) {
	b, err := r.ReadVarOctets()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadVarUint decodes a variable-length unsigned integer of at most 8 bytes.
func (r *Reader) ReadVarUint() (uint64, error) {
	b, err := r.ReadVarOctets()
	if err != nil {
		return 0, err
	}
	if len(b) == 0 || len(b) > 8 {
		return 0, fmt.Errorf("%w: var uint of %d bytes", ErrInvalidLength, len(b))
	}
	var v uint64
	for _, octet := range b {
		v = v<<8 | uint64(octet)
	}
	return v, nil
}
