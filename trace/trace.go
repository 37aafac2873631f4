// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

// Package trace is the engine API: it opens one or more capture
// files, drives the decode pipeline over their merged frames, carries
// reassembly state across file rotations, and matches packets against
// user predicates.
package trace

import (
	"io"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nfstrace/nfstrace/packet"
	"github.com/nfstrace/nfstrace/pcap"
)

// ErrEnd reports the end of iteration. It is io.EOF itself, so callers
// can test either.
var ErrEnd = io.EOF

// Trace iterates the packets of an ordered list of capture files. On
// each step the reader whose next frame has the lowest timestamp
// yields; when a reader drains while others still have frames, its
// reassembly state transfers into the next reader so messages split
// across rotations reassemble.
type Trace struct {
	paths   []string
	readers []*readerSource
	idx     int // cumulative packet index of the next packet
	frame   int // cumulative frame ordinal, 1-based
	queue   []*packet.Pkt

	pktlist    []*packet.Pkt // buffered matching mode
	listCursor int

	live       bool
	idleLimit  time.Duration
	rpcReplies bool
	awaiting   map[uint32]bool // XIDs of matched calls awaiting a reply
	programs   map[[2]uint32]packet.ProgramDecoder
	log        *zap.Logger
}

type readerSource struct {
	path string
	r    *pcap.Reader
	st   *packet.State
	head *pcap.Record
	done bool
}

// Option configures a Trace.
type Option func(*Trace)

// WithLive enables live-tail mode on the underlying readers.
func WithLive(live bool) Option {
	return func(t *Trace) { t.live = live }
}

// WithIdleLimit bounds how long live readers wait for new data.
func WithIdleLimit(d time.Duration) Option {
	return func(t *Trace) { t.idleLimit = d }
}

// WithRPCReplies makes Match also return RPC replies whose XID pairs
// with a previously matched call.
func WithRPCReplies(on bool) Option {
	return func(t *Trace) { t.rpcReplies = on }
}

// WithLogger sets the trace logger. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(t *Trace) { t.log = log }
}

// Open opens the given capture files for merged iteration.
func Open(paths []string, opts ...Option) (*Trace, error) {
	if len(paths) == 0 {
		return nil, pkgerrors.New("trace: no capture files")
	}
	t := &Trace{
		paths:     paths,
		idleLimit: 10 * time.Second,
		awaiting:  make(map[uint32]bool),
		programs:  make(map[[2]uint32]packet.ProgramDecoder),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.open(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Trace) open() error {
	prev := t.readers
	t.readers = nil
	t.idx = 0
	t.frame = 0
	t.queue = nil
	for i, path := range t.paths {
		opts := []pcap.Option{pcap.WithLogger(t.log), pcap.WithIdleLimit(t.idleLimit)}
		if t.live {
			opts = append(opts, pcap.WithLive(true))
		}
		r, err := pcap.Open(path, opts...)
		if err != nil {
			return err
		}
		var st *packet.State
		if i < len(prev) && prev[i].st != nil {
			// Rewinding: clear all reassembly state and replay
			// (registered programs survive the reset).
			st = prev[i].st
			st.Reset()
		} else {
			st = packet.NewState(t.log)
			for pv, dec := range t.programs {
				st.RegisterProgram(pv[0], pv[1], dec)
			}
		}
		rs := &readerSource{path: path, r: r, st: st}
		t.readers = append(t.readers, rs)
		t.advance(rs)
	}
	return nil
}

// RegisterProgram installs an upper-layer RPC program decoder, e.g.
// an NFS XDR decoder for program 100003.
func (t *Trace) RegisterProgram(prog, vers uint32, dec packet.ProgramDecoder) {
	t.programs[[2]uint32{prog, vers}] = dec
	for _, rs := range t.readers {
		rs.st.RegisterProgram(prog, vers, dec)
	}
}

// advance loads the next lookahead frame for rs. On EOF the reader's
// reassembly state, if non-empty, transfers into the next active
// reader (serial chaining across rotations).
func (t *Trace) advance(rs *readerSource) {
	rec, err := rs.r.Next()
	if err == nil {
		rs.head = rec
		return
	}
	rs.head = nil
	rs.done = true
	rs.r.Close() //nolint:errcheck
	if rs.st.Empty() {
		return
	}
	for _, next := range t.readers {
		if next == rs || next.done {
			continue
		}
		if !next.st.Empty() {
			t.log.Warn("reassembly state transfer skipped, target not empty",
				zap.String("from", rs.path), zap.String("to", next.path))
			return
		}
		t.log.Debug("reassembly state transferred",
			zap.String("from", rs.path), zap.String("to", next.path))
		next.st.Adopt(rs.st)
		return
	}
}

// pick selects the active reader whose head frame has the lowest
// timestamp; ties resolve in list order.
func (t *Trace) pick() *readerSource {
	var best *readerSource
	for _, rs := range t.readers {
		if rs.done || rs.head == nil {
			continue
		}
		if best == nil {
			best = rs
			continue
		}
		h, b := rs.head, best.head
		if h.TsSec < b.TsSec || (h.TsSec == b.TsSec && h.TsUsec < b.TsUsec) {
			best = rs
		}
	}
	return best
}

// Next yields the next packet, or ErrEnd. In buffered mode it walks
// the packet list set with SetPktList instead of the readers.
func (t *Trace) Next() (*packet.Pkt, error) {
	if t.pktlist != nil {
		if t.listCursor >= len(t.pktlist) {
			return nil, ErrEnd
		}
		p := t.pktlist[t.listCursor]
		t.listCursor++
		return p, nil
	}
	if len(t.queue) > 0 {
		p := t.queue[0]
		t.queue = t.queue[1:]
		return p, nil
	}
	rs := t.pick()
	if rs == nil {
		return nil, ErrEnd
	}
	rec := rs.head
	t.frame++
	pkts := packet.Decode(rec, t.frame, t.idx, rs.st)
	t.idx += len(pkts)
	// Advance after decoding so an EOF-triggered state transfer
	// carries this frame's reassembly state.
	t.advance(rs)
	t.queue = pkts[1:]
	return pkts[0], nil
}

// Index returns the cumulative index of the next packet Next would
// yield (the buffered-list cursor in buffered mode).
func (t *Trace) Index() int {
	if t.pktlist != nil {
		return t.listCursor
	}
	return t.idx - len(t.queue)
}

// Rewind repositions the trace at the packet with index i, replaying
// the decode pipeline from the start when i precedes the current
// position. All reassembly state is rebuilt during the replay.
func (t *Trace) Rewind(i int) error {
	if t.pktlist != nil {
		if i < 0 || i > len(t.pktlist) {
			i = 0
		}
		t.listCursor = i
		return nil
	}
	if i >= t.Index() {
		// Forward positioning: discard packets up to i.
		for t.Index() < i {
			if _, err := t.Next(); err != nil {
				return err
			}
		}
		return nil
	}
	for _, rs := range t.readers {
		if !rs.done {
			rs.r.Close() //nolint:errcheck
		}
	}
	if err := t.open(); err != nil {
		return err
	}
	for t.Index() < i {
		if _, err := t.Next(); err != nil {
			return err
		}
	}
	return nil
}

// SetPktList toggles buffered matching mode: with a non-nil list,
// Next and Match walk the list with their own cursor and the readers
// stay untouched. A nil list returns to the readers.
func (t *Trace) SetPktList(list []*packet.Pkt) {
	t.pktlist = list
	t.listCursor = 0
}

// Progress returns the read progress of the active reader in [0,1].
func (t *Trace) Progress() float64 {
	if rs := t.pick(); rs != nil {
		return rs.r.Progress()
	}
	return 1
}

// Close releases all readers.
func (t *Trace) Close() error {
	var first error
	for _, rs := range t.readers {
		if rs.done {
			continue
		}
		if err := rs.r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
