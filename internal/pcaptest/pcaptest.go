// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

// Package pcaptest builds synthetic capture files for tests.
package pcaptest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// Rec is one synthetic capture record.
type Rec struct {
	TsSec  uint32
	TsUsec uint32
	Data   []byte
}

// File serializes a capture with the given link type in the given byte
// order.
func File(order binary.ByteOrder, linkType uint32, recs ...Rec) []byte {
	var buf bytes.Buffer
	hdr := make([]byte, 24)
	order.PutUint32(hdr[0:4], 0xA1B2C3D4)
	order.PutUint16(hdr[4:6], 2)
	order.PutUint16(hdr[6:8], 4)
	order.PutUint32(hdr[16:20], 65535)
	order.PutUint32(hdr[20:24], linkType)
	buf.Write(hdr)
	for _, r := range recs {
		rh := make([]byte, 16)
		order.PutUint32(rh[0:4], r.TsSec)
		order.PutUint32(rh[4:8], r.TsUsec)
		order.PutUint32(rh[8:12], uint32(len(r.Data)))
		order.PutUint32(rh[12:16], uint32(len(r.Data)))
		buf.Write(rh)
		buf.Write(r.Data)
	}
	return buf.Bytes()
}

// Write writes a big-endian capture to dir/name and returns its path.
func Write(t *testing.T, dir, name string, linkType uint32, recs ...Rec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, File(binary.BigEndian, linkType, recs...), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteGzip writes a gzip-compressed big-endian capture.
func WriteGzip(t *testing.T, dir, name string, linkType uint32, recs ...Rec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(File(binary.BigEndian, linkType, recs...)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
