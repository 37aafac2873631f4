// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

// Package unpack implements a byte-buffer cursor used by all layer
// decoders: fixed-width integer reads, byte-slice reads, seek/tell, and
// prepend-insert for splicing reassembled data in front of a reduced
// message.
package unpack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrShortBuffer indicates a read past the end of the buffer.
var ErrShortBuffer = errors.New("unpack: read beyond end of buffer")

// ErrBadSeek indicates a seek to a position outside the buffer.
var ErrBadSeek = errors.New("unpack: seek out of range")

// Unpacker walks a byte buffer. The zero value is an empty buffer; use
// New to wrap existing bytes. All integer reads default to network byte
// order; SetOrder switches the buffer-wide order.
type Unpacker struct {
	buf   []byte
	off   int
	order binary.ByteOrder
}

// New returns an Unpacker over buf. The Unpacker does not copy buf;
// callers must not mutate it while decoding.
func New(buf []byte) *Unpacker {
	return &Unpacker{buf: buf, order: binary.BigEndian}
}

// SetOrder changes the byte order used by the fixed-width reads.
func (u *Unpacker) SetOrder(order binary.ByteOrder) {
	u.order = order
}

// Order returns the byte order used by the fixed-width reads.
func (u *Unpacker) Order() binary.ByteOrder {
	if u.order == nil {
		return binary.BigEndian
	}
	return u.order
}

// Len returns the total buffer length including consumed bytes.
func (u *Unpacker) Len() int { return len(u.buf) }

// Tell returns the current cursor offset.
func (u *Unpacker) Tell() int { return u.off }

// Remaining returns the number of unread bytes.
func (u *Unpacker) Remaining() int { return len(u.buf) - u.off }

// Read consumes and returns the next n bytes. The returned slice
// aliases the buffer.
func (u *Unpacker) Read(n int) ([]byte, error) {
	if n < 0 || n > u.Remaining() {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, u.Remaining())
	}
	b := u.buf[u.off : u.off+n]
	u.off += n
	return b, nil
}

// Peek returns the next n bytes without advancing the cursor.
func (u *Unpacker) Peek(n int) ([]byte, error) {
	if n < 0 || n > u.Remaining() {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, u.Remaining())
	}
	return u.buf[u.off : u.off+n], nil
}

// Rest consumes and returns all unread bytes.
func (u *Unpacker) Rest() []byte {
	b := u.buf[u.off:]
	u.off = len(u.buf)
	return b
}

// Uint8 reads one byte.
func (u *Unpacker) Uint8() (uint8, error) {
	b, err := u.Read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a 16-bit integer in the buffer's byte order.
func (u *Unpacker) Uint16() (uint16, error) {
	b, err := u.Read(2)
	if err != nil {
		return 0, err
	}
	return u.Order().Uint16(b), nil
}

// Uint32 reads a 32-bit integer in the buffer's byte order.
func (u *Unpacker) Uint32() (uint32, error) {
	b, err := u.Read(4)
	if err != nil {
		return 0, err
	}
	return u.Order().Uint32(b), nil
}

// Uint64 reads a 64-bit integer in the buffer's byte order.
func (u *Unpacker) Uint64() (uint64, error) {
	b, err := u.Read(8)
	if err != nil {
		return 0, err
	}
	return u.Order().Uint64(b), nil
}

// Seek moves the cursor. Whence is io.SeekStart, io.SeekCurrent or
// io.SeekEnd. Returns the new absolute offset.
func (u *Unpacker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(u.off) + offset
	case io.SeekEnd:
		abs = int64(len(u.buf)) + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrBadSeek, whence)
	}
	if abs < 0 || abs > int64(len(u.buf)) {
		return 0, fmt.Errorf("%w: offset %d of %d", ErrBadSeek, abs, len(u.buf))
	}
	u.off = int(abs)
	return abs, nil
}

// Insert splices b into the buffer at the current cursor. Subsequent
// reads see b first, then the bytes that followed the cursor, exactly
// as if b had been present in the buffer originally. The cursor itself
// does not move.
func (u *Unpacker) Insert(b []byte) {
	if len(b) == 0 {
		return
	}
	out := make([]byte, 0, len(u.buf)+len(b))
	out = append(out, u.buf[:u.off]...)
	out = append(out, b...)
	out = append(out, u.buf[u.off:]...)
	u.buf = out
}
