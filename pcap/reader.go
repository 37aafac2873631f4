// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

// Package pcap reads libpcap capture files: either endianness, plain or
// gzip-compressed, with optional live-tail rollover to the next file in
// a numbered rotation.
package pcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// MagicBE is the pcap global-header magic as written by a
	// big-endian producer.
	MagicBE = 0xA1B2C3D4
	// MagicLE is the same magic byte-swapped by a little-endian
	// producer.
	MagicLE = 0xD4C3B2A1

	globalHeaderLen = 24
	recordHeaderLen = 16

	// ReadSize is the unit of the reader's read-ahead buffer; the
	// buffer holds at least twice this so short back-seeks stay in
	// memory.
	ReadSize = 32 << 10
)

// Link types recognized by the decode pipeline.
const (
	LinkEthernet = 1
	LinkRaw      = 101
	LinkSLL      = 113
	LinkERF      = 197
	LinkSLL2     = 276
)

var (
	// ErrBadMagic indicates the file is neither a pcap file nor a
	// gzip-compressed pcap file.
	ErrBadMagic = errors.New("pcap: unrecognized magic number")
	// ErrEmptyFile indicates the file held no global header.
	ErrEmptyFile = errors.New("pcap: empty capture file")
)

// Record is one capture record: the 16-byte per-record header plus the
// captured bytes.
type Record struct {
	Index       int // 0-based within the current file
	TsSec       uint32
	TsUsec      uint32
	CapturedLen uint32
	OriginalLen uint32
	LinkType    uint32
	Data        []byte
}

// Reader iterates the records of one capture file. In live mode a
// short read probes the next file of a numbered rotation
// (basename.N+1) and continues there, or sleeps and retries until the
// idle limit passes.
type Reader struct {
	path   string
	file   *os.File
	src    *bufio.Reader
	order  binary.ByteOrder
	link   uint32
	index  int
	size   int64
	read   int64 // compressed/file bytes consumed, for Progress
	live   bool
	poll   time.Duration
	idle   time.Duration
	bufLen int
	log    *zap.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLive enables live-tail mode: on EOF the reader polls for more
// data or a rotated successor file instead of ending iteration.
func WithLive(live bool) Option {
	return func(r *Reader) { r.live = live }
}

// WithLogger sets the reader's logger. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reader) { r.log = log }
}

// WithReadSize sets the read-ahead unit; the internal buffer holds at
// least twice this many bytes.
func WithReadSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.bufLen = 2 * n
		}
	}
}

// WithIdleLimit bounds how long a live reader waits for new data
// before giving up with io.EOF.
func WithIdleLimit(d time.Duration) Option {
	return func(r *Reader) { r.idle = d }
}

// Open opens path and consumes the 24-byte global header. A gzip
// magic at the start of the file transparently inserts a gzip decoder.
func Open(path string, opts ...Option) (*Reader, error) {
	r := &Reader{
		path:   path,
		order:  binary.BigEndian,
		poll:   100 * time.Millisecond,
		idle:   10 * time.Second,
		bufLen: 2 * ReadSize,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.open(path); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return pkgerrors.Wrap(err, "pcap: open")
	}
	if st, err := f.Stat(); err == nil {
		r.size = st.Size()
	}
	r.file = f
	r.read = 0
	r.src = bufio.NewReaderSize(&countingReader{f: f, n: &r.read}, r.bufLen)

	head, err := r.src.Peek(2)
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return pkgerrors.Wrap(ErrEmptyFile, path)
		}
		return pkgerrors.Wrap(err, path)
	}
	if head[0] == 0x1F && head[1] == 0x8B {
		zr, err := gzip.NewReader(r.src)
		if err != nil {
			f.Close()
			return pkgerrors.Wrap(err, "pcap: gzip")
		}
		r.src = bufio.NewReaderSize(zr, r.bufLen)
	}

	var hdr [globalHeaderLen]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		f.Close()
		return pkgerrors.Wrap(ErrEmptyFile, path)
	}
	switch binary.BigEndian.Uint32(hdr[0:4]) {
	case MagicBE:
		r.order = binary.BigEndian
	case MagicLE:
		r.order = binary.LittleEndian
	default:
		f.Close()
		return pkgerrors.Wrapf(ErrBadMagic, "%s: %#08x", path, binary.BigEndian.Uint32(hdr[0:4]))
	}
	r.link = r.order.Uint32(hdr[20:24])
	r.path = path
	r.index = 0
	return nil
}

// LinkType returns the capture's link type from the global header.
func (r *Reader) LinkType() uint32 { return r.link }

// Path returns the path of the file currently being read (it changes
// after a live-tail rollover).
func (r *Reader) Path() string { return r.path }

// Progress returns a deterministic estimate in [0,1] of how much of
// the current file has been consumed.
func (r *Reader) Progress() float64 {
	if r.size <= 0 {
		return 0
	}
	p := float64(r.read) / float64(r.size)
	if p > 1 {
		p = 1
	}
	return p
}

// Next returns the next record, or io.EOF when the capture ends. A
// record truncated at EOF ends iteration cleanly. In live mode Next
// retries on EOF, rolling over to basename.N+1 when that file appears.
func (r *Reader) Next() (*Record, error) {
	waited := time.Duration(0)
	for {
		rec, err := r.readRecord()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		if !r.live {
			return nil, io.EOF
		}
		if next := r.successor(); next != "" {
			if _, statErr := os.Stat(next); statErr == nil {
				r.log.Debug("live-tail rollover", zap.String("from", r.path), zap.String("to", next))
				r.file.Close()
				if err := r.open(next); err != nil {
					return nil, err
				}
				waited = 0
				continue
			}
		}
		if waited >= r.idle {
			return nil, io.EOF
		}
		time.Sleep(r.poll)
		waited += r.poll
	}
}

func (r *Reader) readRecord() (*Record, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		// A partial record header at EOF ends iteration cleanly.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	rec := &Record{
		Index:       r.index,
		TsSec:       r.order.Uint32(hdr[0:4]),
		TsUsec:      r.order.Uint32(hdr[4:8]),
		CapturedLen: r.order.Uint32(hdr[8:12]),
		OriginalLen: r.order.Uint32(hdr[12:16]),
		LinkType:    r.link,
	}
	rec.Data = make([]byte, rec.CapturedLen)
	if _, err := io.ReadFull(r.src, rec.Data); err != nil {
		// Truncated payload at end of capture.
		return nil, io.EOF
	}
	r.index++
	return rec, nil
}

// successor derives the next file name of a numbered rotation:
// "base.3" becomes "base.4", anything else becomes "path.1".
func (r *Reader) successor() string {
	if i := strings.LastIndexByte(r.path, '.'); i >= 0 {
		if n, err := strconv.Atoi(r.path[i+1:]); err == nil {
			return fmt.Sprintf("%s.%d", r.path[:i], n+1)
		}
	}
	return r.path + ".1"
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

type countingReader struct {
	f io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	*c.n += int64(n)
	return n, err
}
