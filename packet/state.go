// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"go.uber.org/zap"
)

// State is the reassembly state a decode pipeline carries across
// frames: the TCP stream table, the IPv4 fragment table, the RDMA
// reassembly tables and the RPC XID map. The multi-file driver moves a
// State from a finished reader into the next one so messages split
// across file rotations reassemble correctly.
type State struct {
	tcp    map[streamKey]*tcpStream
	ipFrag map[fragKey]*fragEntry
	rdma   *RDMAInfo
	xid    map[uint32]int // xid -> call packet index
	calls  map[uint32]callInfo

	programs map[progVers]ProgramDecoder

	// extra collects additional packets carved from the current
	// record; valid only during one Decode call.
	extra []*Pkt

	log *zap.Logger
}

type progVers struct {
	prog uint32
	vers uint32
}

// ProgramDecoder decodes the payload of an RPC message for one
// (program, version). Implementations return a layer to attach (an
// NFS decoder returns an NFSLayer) or an error to leave the payload
// opaque. writeChunks is the write-chunk data of the message being
// decoded — one byte slice per segment per chunk, in the order the
// call declared them — so a decoder can read large opaque fields
// (e.g. an NFS READ body) from the segment bytes instead of the wire
// buffer; it is nil for messages that used no write chunks.
type ProgramDecoder interface {
	DecodeCall(proc uint32, payload []byte, writeChunks [][][]byte) (Layer, error)
	DecodeReply(proc uint32, payload []byte, writeChunks [][][]byte) (Layer, error)
}

// NewState returns an empty reassembly state.
func NewState(log *zap.Logger) *State {
	if log == nil {
		log = zap.NewNop()
	}
	return &State{
		tcp:      make(map[streamKey]*tcpStream),
		ipFrag:   make(map[fragKey]*fragEntry),
		rdma:     newRDMAInfo(log),
		xid:      make(map[uint32]int),
		programs: make(map[progVers]ProgramDecoder),
		log:      log,
	}
}

// RegisterProgram installs an upper-layer decoder for an RPC program
// version, e.g. NFS (100003).
func (st *State) RegisterProgram(prog, vers uint32, dec ProgramDecoder) {
	st.programs[progVers{prog, vers}] = dec
}

// CallIndex returns the packet index of the RPC call with the given
// XID, or -1.
func (st *State) CallIndex(xid uint32) int {
	if i, ok := st.xid[xid]; ok {
		return i
	}
	return -1
}

// WriteChunks exposes the write-chunk data of the most recent
// RPC-over-RDMA reply, one byte slice per segment per chunk, in the
// order the call declared them; it is nil again once a later
// RPC-over-RDMA call is delivered. Upper-layer XDR decoders read large
// opaque fields from here instead of the wire buffer.
func (st *State) WriteChunks() [][][]byte { return st.rdma.writeChunks }

// Empty reports whether the state holds no partial reassembly, i.e.
// nothing would be lost by dropping it.
func (st *State) Empty() bool {
	if len(st.ipFrag) > 0 || len(st.rdma.segments) > 0 || len(st.rdma.pending) > 0 {
		return false
	}
	for _, s := range st.tcp {
		if len(s.buf) > 0 || len(s.frag) > 0 || len(s.pending) > 0 {
			return false
		}
	}
	return true
}

// Adopt moves the reassembly tables of other into st, keeping st's
// registered programs. Used by the multi-file driver when a capture
// rotation splits a stream across files.
func (st *State) Adopt(other *State) {
	st.tcp = other.tcp
	st.ipFrag = other.ipFrag
	st.rdma = other.rdma
	st.xid = other.xid
	st.calls = other.calls
}

// Reset drops all reassembly state. A trace rewind calls this;
// correctness over performance, partial state is never unwound.
func (st *State) Reset() {
	st.tcp = make(map[streamKey]*tcpStream)
	st.ipFrag = make(map[fragKey]*fragEntry)
	st.rdma = newRDMAInfo(st.log)
	st.xid = make(map[uint32]int)
	st.calls = make(map[uint32]callInfo)
}
