// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"sort"

	"go.uber.org/zap"
)

// RDMAInfo reconstructs RPC messages carried in RDMA Send, Write and
// Read operations, across both InfiniBand (RoCE) and iWARP framings.
// Segments are keyed by their STag/R_Key handle; sub-segments track
// the PSN window (InfiniBand) or tagged offsets (iWARP) of one
// First..Last burst.
type RDMAInfo struct {
	segments map[uint32]*rdmaSeg
	sends    map[sendKey]*sendEntry // iWARP untagged Send reassembly
	ibSends  map[uint32]*ibSend     // InfiniBand Send bursts per queue pair
	pending  map[uint32]*rdmaPending

	// writeChunks is the shared accessor exposed to upper-layer XDR
	// decoders: the most recent reply's write-chunk data, chunk by
	// chunk, segment by segment, in the order the call declared them;
	// reset to nil when a call is delivered.
	writeChunks [][][]byte

	log *zap.Logger
}

func newRDMAInfo(log *zap.Logger) *RDMAInfo {
	return &RDMAInfo{
		segments: make(map[uint32]*rdmaSeg),
		sends:    make(map[sendKey]*sendEntry),
		ibSends:  make(map[uint32]*ibSend),
		pending:  make(map[uint32]*rdmaPending),
		log:      log,
	}
}

// readBinding redirects data placed through an iWARP sink STag into
// the originally registered chunk segment.
type readBinding struct {
	rhandle uint32
	roffset uint64
	rlength uint32
}

// rdmaSeg is one registered memory segment.
type rdmaSeg struct {
	handle   uint32
	offset   uint64 // initial offset from the chunk list
	length   uint32 // declared total length
	xdrpos   uint32 // read chunks only
	subs     []*rdmaSub
	tagged   map[uint64][]byte // iWARP tagged placement, intra-segment offset -> bytes
	received int
	rbind    *readBinding
}

// rdmaSub is a PSN-delimited portion of a segment: one
// First/Only..Last burst. Fragments index by PSN minus the start PSN;
// missing slots stay nil until an out-of-order arrival fills them.
type rdmaSub struct {
	startPSN uint32
	endPSN   uint32
	haveEnd  bool
	dmaLen   uint32
	base     uint64 // intra-segment byte offset
	frags    [][]byte
}

func (s *rdmaSub) slot(psn uint32) int { return int(psn - s.startPSN) }

func (s *rdmaSub) contains(psn uint32) bool {
	if psn < s.startPSN {
		return false
	}
	if s.haveEnd {
		return psn <= s.endPSN
	}
	return int(psn-s.startPSN) < maxSubSlots
}

const maxSubSlots = 1 << 16

// put places fragment bytes at the slot for psn, returning the number
// of new bytes placed (0 for a duplicate).
func (s *rdmaSub) put(psn uint32, data []byte) int {
	i := s.slot(psn)
	for len(s.frags) <= i {
		s.frags = append(s.frags, nil)
	}
	if s.frags[i] != nil {
		return 0
	}
	s.frags[i] = data
	return len(data)
}

// complete reports whether the burst is fully present: the Last PSN is
// known and every slot up to it holds bytes.
func (s *rdmaSub) complete() bool {
	if !s.haveEnd {
		return false
	}
	n := s.slot(s.endPSN) + 1
	if len(s.frags) < n {
		return false
	}
	for _, f := range s.frags[:n] {
		if f == nil {
			return false
		}
	}
	return true
}

func (s *rdmaSub) bytes() []byte {
	var out []byte
	for _, f := range s.frags {
		out = append(out, f...)
	}
	return out
}

// complete reports whether the segment holds its full declared length.
func (g *rdmaSeg) complete() bool {
	return g.length > 0 && g.received >= int(g.length)
}

// bytes assembles the segment in ascending intra-segment offset order,
// truncated to the declared length.
func (g *rdmaSeg) bytes() []byte {
	out := make([]byte, 0, g.length)
	if len(g.tagged) > 0 {
		offs := make([]uint64, 0, len(g.tagged))
		for o := range g.tagged {
			offs = append(offs, o)
		}
		sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
		for _, o := range offs {
			out = append(out, g.tagged[o]...)
		}
	}
	subs := append([]*rdmaSub(nil), g.subs...)
	sort.Slice(subs, func(i, j int) bool { return subs[i].base < subs[j].base })
	for _, s := range subs {
		out = append(out, s.bytes()...)
	}
	if g.length > 0 && len(out) > int(g.length) {
		out = out[:g.length]
	}
	return out
}

// register adds a segment by handle. A duplicate handle updates the
// declared length but preserves accumulated data.
func (r *RDMAInfo) register(handle uint32, offset uint64, length, xdrpos uint32) *rdmaSeg {
	if g, ok := r.segments[handle]; ok {
		g.length = length
		if g.received == 0 {
			g.offset = offset
			g.xdrpos = xdrpos
		}
		return g
	}
	g := &rdmaSeg{handle: handle, offset: offset, length: length, xdrpos: xdrpos,
		tagged: make(map[uint64][]byte)}
	r.segments[handle] = g
	return g
}

// registerChunks registers every segment listed in an RPC-over-RDMA
// header.
func (r *RDMAInfo) registerChunks(h *RPCoRDMA) {
	for _, s := range h.Reads {
		r.register(s.Handle, s.Offset, s.Length, s.XDRPosition)
	}
	for _, chunk := range h.Writes {
		for _, s := range chunk {
			r.register(s.Handle, s.Offset, s.Length, 0)
		}
	}
	for _, s := range h.Reply {
		r.register(s.Handle, s.Offset, s.Length, 0)
	}
}

// readChunk groups the read segments sharing one XDR position.
type readChunk struct {
	pos  uint32
	segs []*rdmaSeg
}

// rdmaPending tracks one XID's declared chunks and, while read chunks
// are outstanding, the parked reduced message.
type rdmaPending struct {
	xid        uint32
	readChunks []*readChunk
	writes     [][]*rdmaSeg
	reply      []*rdmaSeg
	reduced    []byte // non-nil while parked awaiting read chunks
	parked     bool
}

func (p *rdmaPending) readsComplete() bool {
	for _, ch := range p.readChunks {
		for _, g := range ch.segs {
			if !g.complete() {
				return false
			}
		}
	}
	return true
}

// track returns the pending entry for the header's XID, creating it
// from the header's chunk declarations on first sight. The call's
// declaration order wins over the reply's echo.
func (r *RDMAInfo) track(h *RPCoRDMA) *rdmaPending {
	if e, ok := r.pending[h.XID]; ok {
		return e
	}
	e := &rdmaPending{xid: h.XID}
	byPos := make(map[uint32]*readChunk)
	for _, s := range h.Reads {
		ch := byPos[s.XDRPosition]
		if ch == nil {
			ch = &readChunk{pos: s.XDRPosition}
			byPos[s.XDRPosition] = ch
			e.readChunks = append(e.readChunks, ch)
		}
		ch.segs = append(ch.segs, r.segments[s.Handle])
	}
	sort.SliceStable(e.readChunks, func(i, j int) bool {
		return e.readChunks[i].pos < e.readChunks[j].pos
	})
	for _, chunk := range h.Writes {
		var segs []*rdmaSeg
		for _, s := range chunk {
			segs = append(segs, r.segments[s.Handle])
		}
		e.writes = append(e.writes, segs)
	}
	for _, s := range h.Reply {
		e.reply = append(e.reply, r.segments[s.Handle])
	}
	if len(e.readChunks) > 0 || len(e.writes) > 0 || len(e.reply) > 0 {
		// Chunkless messages need no correlation; don't retain them.
		r.pending[h.XID] = e
	}
	return e
}

// reconstruct splices completed read chunks into the reduced message:
// chunks ascending by XDR position, each chunk's segments in list
// order padded to the XDR boundary, except the Position-Zero Read
// Chunk which is delivered without padding.
func (r *RDMAInfo) reconstruct(e *rdmaPending, reduced []byte) []byte {
	out := make([]byte, 0, len(reduced))
	cursor := 0
	for _, ch := range e.readChunks {
		pos := int(ch.pos)
		if pos > len(reduced) {
			pos = len(reduced)
		}
		if pos > cursor {
			out = append(out, reduced[cursor:pos]...)
			cursor = pos
		}
		clen := 0
		for _, g := range ch.segs {
			b := g.bytes()
			out = append(out, b...)
			clen += len(b)
		}
		if ch.pos != 0 {
			if pad := (4 - clen%4) % 4; pad > 0 {
				out = append(out, make([]byte, pad)...)
			}
		}
	}
	out = append(out, reduced[cursor:]...)
	return out
}

// materializeSegs concatenates the bytes of a reply chunk, or nil
// while any of its segments is incomplete.
func (r *RDMAInfo) materializeSegs(segs []*rdmaSeg) []byte {
	var out []byte
	for _, g := range segs {
		if g == nil || !g.complete() {
			return nil
		}
		out = append(out, g.bytes()...)
	}
	return out
}

// exposeWriteChunks publishes the write-chunk data declared for xid
// through the shared accessor, in declaration order.
func (r *RDMAInfo) exposeWriteChunks(xid uint32) {
	e := r.pending[xid]
	if e == nil || len(e.writes) == 0 {
		r.writeChunks = nil
		return
	}
	chunks := make([][][]byte, 0, len(e.writes))
	for _, segs := range e.writes {
		var chunk [][]byte
		for _, g := range segs {
			if g == nil {
				continue
			}
			chunk = append(chunk, g.bytes())
		}
		chunks = append(chunks, chunk)
	}
	r.writeChunks = chunks
}

// releaseReads frees the read-chunk segments of a delivered call
// message, keeping the write/reply declarations for the reply side.
func (r *RDMAInfo) releaseReads(e *rdmaPending) {
	for _, ch := range e.readChunks {
		for _, g := range ch.segs {
			if g != nil {
				delete(r.segments, g.handle)
			}
		}
	}
	e.readChunks = nil
	e.reduced = nil
	e.parked = false
	if len(e.writes) == 0 && len(e.reply) == 0 {
		delete(r.pending, e.xid)
	}
}

// release frees everything a delivered reply consumed.
func (r *RDMAInfo) release(e *rdmaPending) {
	for _, segs := range e.writes {
		for _, g := range segs {
			if g != nil {
				delete(r.segments, g.handle)
			}
		}
	}
	for _, g := range e.reply {
		if g != nil {
			delete(r.segments, g.handle)
		}
	}
	r.releaseReads(e)
	delete(r.pending, e.xid)
}

// delivery is a fully reconstructed message ready for the RPC decoder.
type delivery struct {
	entry *rdmaPending
	data  []byte
}

// checkParked reconstructs every parked message whose read chunks just
// completed. Called on the frame of a Last/Only read response, so the
// reassembled content becomes observable on that frame.
func (r *RDMAInfo) checkParked() []delivery {
	var out []delivery
	for _, e := range r.pending {
		if !e.parked || !e.readsComplete() {
			continue
		}
		out = append(out, delivery{entry: e, data: r.reconstruct(e, e.reduced)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entry.xid < out[j].entry.xid })
	return out
}

// findSub locates the sub-segment whose PSN window contains psn.
func (r *RDMAInfo) findSub(psn uint32) (*rdmaSeg, *rdmaSub) {
	var bestSeg *rdmaSeg
	var bestSub *rdmaSub
	for _, g := range r.segments {
		for _, s := range g.subs {
			if !s.contains(psn) {
				continue
			}
			if bestSub == nil || s.startPSN > bestSub.startPSN {
				bestSeg, bestSub = g, s
			}
		}
	}
	return bestSeg, bestSub
}

// openSub starts a burst on the segment registered under handle.
func (r *RDMAInfo) openSub(handle uint32, psn uint32, va uint64, dmaLen uint32) (*rdmaSeg, *rdmaSub) {
	g := r.segments[handle]
	if g == nil {
		r.log.Warn("rdma fragment for unknown handle", zap.Uint32("handle", handle))
		return nil, nil
	}
	target := g
	base := va - g.offset
	if g.rbind != nil {
		if src := r.segments[g.rbind.rhandle]; src != nil {
			base = g.rbind.roffset - src.offset + (va - g.offset)
			target = src
		}
	}
	s := &rdmaSub{startPSN: psn, dmaLen: dmaLen, base: base}
	target.subs = append(target.subs, s)
	return target, s
}

// writeFragment handles RDMA Write First/Middle/Last/Only delivery on
// the InfiniBand side.
func (r *RDMAInfo) writeFragment(op ibOp, psn uint32, handle uint32, va uint64, dmaLen uint32, data []byte) {
	switch op {
	case opFirst, opOnly:
		g, s := r.openSub(handle, psn, va, dmaLen)
		if s == nil {
			return
		}
		g.received += s.put(psn, data)
		if op == opOnly {
			s.endPSN, s.haveEnd = psn, true
		}
	case opMiddle, opLast:
		g, s := r.findSub(psn)
		if s == nil {
			r.log.Warn("rdma write fragment outside any burst", zap.Uint32("psn", psn))
			return
		}
		if op == opLast {
			if s.haveEnd && s.endPSN != psn {
				r.log.Warn("rdma last fragment disagrees with burst end",
					zap.Uint32("psn", psn), zap.Uint32("end", s.endPSN))
			}
			s.endPSN, s.haveEnd = psn, true
		}
		g.received += s.put(psn, data)
	}
}

// readRequest opens the PSN window the responses will fill.
func (r *RDMAInfo) readRequest(handle uint32, psn uint32, va uint64, dmaLen uint32) {
	r.openSub(handle, psn, va, dmaLen)
}

// readResponse delivers response bytes into the window containing psn
// and, on Last/Only, reports any parked messages that completed.
func (r *RDMAInfo) readResponse(op ibOp, psn uint32, data []byte) []delivery {
	g, s := r.findSub(psn)
	if s == nil {
		r.log.Warn("rdma read response outside any burst", zap.Uint32("psn", psn))
		return nil
	}
	if op == opLast || op == opOnly {
		s.endPSN, s.haveEnd = psn, true
	}
	g.received += s.put(psn, data)
	if op == opLast || op == opOnly {
		return r.checkParked()
	}
	return nil
}

// bindRead records an iWARP read request: responses arrive tagged with
// the sink STag but must land in the source segment from the chunk
// list.
func (r *RDMAInfo) bindRead(sinkStag uint32, sinkOff uint64, dmaLen uint32, srcStag uint32, srcOff uint64) {
	sink := r.register(sinkStag, sinkOff, dmaLen, 0)
	sink.rbind = &readBinding{rhandle: srcStag, roffset: srcOff, rlength: dmaLen}
}

// placeTagged handles iWARP tagged delivery (RDMA Write or Read
// Response): direct placement by STag and tagged offset. last reports
// whether the DDP L bit was set; read-response completions surface
// parked messages.
func (r *RDMAInfo) placeTagged(stag uint32, to uint64, data []byte, last bool) []delivery {
	g := r.segments[stag]
	if g == nil {
		r.log.Warn("tagged placement for unknown stag", zap.Uint32("stag", stag))
		return nil
	}
	target, intra := g, to-g.offset
	if g.rbind != nil {
		if src := r.segments[g.rbind.rhandle]; src != nil {
			target = src
			intra = g.rbind.roffset - src.offset + (to - g.offset)
		}
	}
	if _, dup := target.tagged[intra]; !dup {
		target.tagged[intra] = append([]byte(nil), data...)
		target.received += len(data)
	}
	if last && g.rbind != nil {
		return r.checkParked()
	}
	return nil
}

// sendKey identifies one iWARP untagged Send message.
type sendKey struct {
	queue uint32
	msn   uint32
}

// sendEntry accumulates the offset-indexed fragments of one Send.
type sendEntry struct {
	frags map[uint32][]byte
}

// pushSend stores an untagged Send fragment; on the Last fragment the
// whole message is returned and the entry cleared.
func (r *RDMAInfo) pushSend(queue, msn, mo uint32, data []byte, last bool) []byte {
	key := sendKey{queue, msn}
	e := r.sends[key]
	if e == nil {
		e = &sendEntry{frags: make(map[uint32][]byte)}
		r.sends[key] = e
	}
	if _, dup := e.frags[mo]; !dup {
		e.frags[mo] = append([]byte(nil), data...)
	}
	if !last {
		return nil
	}
	offs := make([]int, 0, len(e.frags))
	for o := range e.frags {
		offs = append(offs, int(o))
	}
	sort.Ints(offs)
	var out []byte
	for _, o := range offs {
		out = append(out, e.frags[uint32(o)]...)
	}
	delete(r.sends, key)
	return out
}

// ibSend accumulates an InfiniBand Send burst for one queue pair.
type ibSend struct {
	frags map[uint32][]byte // psn -> bytes
}

// pushIBSend stores a Send fragment by PSN; on Last the PSN-ordered
// concatenation is returned and the burst cleared.
func (r *RDMAInfo) pushIBSend(qp uint32, psn uint32, data []byte, last bool) []byte {
	e := r.ibSends[qp]
	if e == nil {
		e = &ibSend{frags: make(map[uint32][]byte)}
		r.ibSends[qp] = e
	}
	if _, dup := e.frags[psn]; !dup {
		e.frags[psn] = append([]byte(nil), data...)
	}
	if !last {
		return nil
	}
	psns := make([]int, 0, len(e.frags))
	for p := range e.frags {
		psns = append(psns, int(p))
	}
	sort.Ints(psns)
	var out []byte
	for _, p := range psns {
		out = append(out, e.frags[uint32(p)]...)
	}
	delete(r.ibSends, qp)
	return out
}
