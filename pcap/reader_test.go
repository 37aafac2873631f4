// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package pcap

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfstrace/nfstrace/internal/pcaptest"
)

func readAll(t *testing.T, r *Reader) []*Record {
	t.Helper()
	var recs []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestBigEndianCapture(t *testing.T) {
	dir := t.TempDir()
	path := pcaptest.Write(t, dir, "a.pcap", LinkEthernet,
		pcaptest.Rec{TsSec: 10, TsUsec: 5, Data: []byte{1, 2, 3}},
		pcaptest.Rec{TsSec: 11, TsUsec: 6, Data: []byte{4, 5}},
	)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(LinkEthernet), r.LinkType())

	recs := readAll(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].Index)
	assert.Equal(t, uint32(10), recs[0].TsSec)
	assert.Equal(t, uint32(5), recs[0].TsUsec)
	assert.Equal(t, []byte{1, 2, 3}, recs[0].Data)
	assert.Equal(t, uint32(3), recs[0].CapturedLen)
	assert.Equal(t, 1, recs[1].Index)
	assert.Equal(t, []byte{4, 5}, recs[1].Data)
}

func TestLittleEndianCapture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "le.pcap")
	data := pcaptest.File(binary.LittleEndian, LinkEthernet,
		pcaptest.Rec{TsSec: 99, TsUsec: 1, Data: []byte{0xAA}},
	)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(99), recs[0].TsSec)
	assert.Equal(t, []byte{0xAA}, recs[0].Data)
}

func TestGzipMatchesPlain(t *testing.T) {
	dir := t.TempDir()
	recs := []pcaptest.Rec{
		{TsSec: 1, Data: []byte{1, 2, 3, 4}},
		{TsSec: 2, Data: []byte{5, 6}},
	}
	plain := pcaptest.Write(t, dir, "p.pcap", LinkEthernet, recs...)
	zipped := pcaptest.WriteGzip(t, dir, "p.pcap.gz", LinkEthernet, recs...)

	rp, err := Open(plain)
	require.NoError(t, err)
	defer rp.Close()
	rz, err := Open(zipped)
	require.NoError(t, err)
	defer rz.Close()

	pr := readAll(t, rp)
	zr := readAll(t, rz)
	require.Equal(t, len(pr), len(zr))
	for i := range pr {
		assert.Equal(t, pr[i].TsSec, zr[i].TsSec)
		assert.Equal(t, pr[i].Data, zr[i].Data)
	}
}

func TestBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.pcap")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o600))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.pcap")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestTruncatedRecordEndsCleanly(t *testing.T) {
	dir := t.TempDir()
	full := pcaptest.File(binary.BigEndian, LinkEthernet,
		pcaptest.Rec{TsSec: 1, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		pcaptest.Rec{TsSec: 2, Data: []byte{9, 10, 11, 12}},
	)
	path := filepath.Join(dir, "trunc.pcap")
	// Cut the second record's payload short.
	require.NoError(t, os.WriteFile(path, full[:len(full)-2], 0o600))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, recs[0].Data)
}

func TestSuccessorName(t *testing.T) {
	r := &Reader{path: "trace.pcap"}
	assert.Equal(t, "trace.pcap.1", r.successor())
	r.path = "trace.pcap.3"
	assert.Equal(t, "trace.pcap.4", r.successor())
}

func TestProgressAdvances(t *testing.T) {
	dir := t.TempDir()
	path := pcaptest.Write(t, dir, "p.pcap", LinkEthernet,
		pcaptest.Rec{TsSec: 1, Data: make([]byte, 1000)},
	)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.NoError(t, err)
	assert.Greater(t, r.Progress(), 0.0)
	assert.LessOrEqual(t, r.Progress(), 1.0)
}
