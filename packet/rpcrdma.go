// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// RPC-over-RDMA procedures (RFC 8166).
const (
	rdmaMsg   = 0
	rdmaNomsg = 1
	rdmaMsgp  = 2
	rdmaDone  = 3
	rdmaError = 4
)

// ReadSeg is one read-list segment. Segments sharing an XDRPosition
// form one read chunk.
type ReadSeg struct {
	XDRPosition uint32
	Handle      uint32
	Length      uint32
	Offset      uint64
}

// WriteSeg is one segment of a write or reply chunk.
type WriteSeg struct {
	Handle uint32
	Length uint32
	Offset uint64
}

// RPCoRDMA is the RPC-over-RDMA transport header that precedes the
// reduced RPC message in a Send.
type RPCoRDMA struct {
	XID     uint32
	Vers    uint32
	Credits uint32
	Proc    uint32
	Reads   []ReadSeg
	Writes  [][]WriteSeg
	Reply   []WriteSeg
	rawData
}

// Kind implements Layer.
func (r *RPCoRDMA) Kind() Kind { return KindRPCoRDMA }

// Field implements Layer.
func (r *RPCoRDMA) Field(name string) (interface{}, bool) {
	switch name {
	case "xid":
		return r.XID, true
	case "vers":
		return r.Vers, true
	case "credits", "credit":
		return r.Credits, true
	case "proc":
		return r.Proc, true
	case "nreads":
		return len(r.Reads), true
	case "nwrites":
		return len(r.Writes), true
	case "nreply":
		return len(r.Reply), true
	}
	return r.dataField(name)
}

func (r *RPCoRDMA) String() string {
	return fmt.Sprintf("rpcordma xid=%#08x proc=%d reads=%d writes=%d",
		r.XID, r.Proc, len(r.Reads), len(r.Writes))
}

func parseReadList(u *unpack.Unpacker) ([]ReadSeg, error) {
	var segs []ReadSeg
	for {
		flag, err := u.Uint32()
		if err != nil {
			return nil, err
		}
		if flag == 0 {
			return segs, nil
		}
		var s ReadSeg
		if s.XDRPosition, err = u.Uint32(); err != nil {
			return nil, err
		}
		if s.Handle, err = u.Uint32(); err != nil {
			return nil, err
		}
		if s.Length, err = u.Uint32(); err != nil {
			return nil, err
		}
		if s.Offset, err = u.Uint64(); err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
}

func parseWriteChunk(u *unpack.Unpacker) ([]WriteSeg, error) {
	count, err := u.Uint32()
	if err != nil {
		return nil, err
	}
	segs := make([]WriteSeg, 0, count)
	for i := uint32(0); i < count; i++ {
		var s WriteSeg
		if s.Handle, err = u.Uint32(); err != nil {
			return nil, err
		}
		if s.Length, err = u.Uint32(); err != nil {
			return nil, err
		}
		if s.Offset, err = u.Uint64(); err != nil {
			return nil, err
		}
		segs = append(segs, s)
	}
	return segs, nil
}

func parseWriteList(u *unpack.Unpacker) ([][]WriteSeg, error) {
	var chunks [][]WriteSeg
	for {
		flag, err := u.Uint32()
		if err != nil {
			return nil, err
		}
		if flag == 0 {
			return chunks, nil
		}
		chunk, err := parseWriteChunk(u)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}

// decodeRPCoRDMA parses the transport header of a (fully reassembled)
// Send and drives chunk registration and message delivery:
//
//   - a call with read chunks is parked until RDMA Reads pull the
//     chunk data in; the full message decodes on the frame of the last
//     read response,
//   - a reply with write chunks exposes the chunk data through the
//     shared write-chunk accessor and decodes its reduced message now,
//   - an RDMA_NOMSG reply materializes the reply chunk as the whole
//     message.
func decodeRPCoRDMA(u *unpack.Unpacker, p *Pkt, st *State) error {
	r := &RPCoRDMA{}
	var err error
	if r.XID, err = u.Uint32(); err != nil {
		return err
	}
	if r.Vers, err = u.Uint32(); err != nil {
		return err
	}
	if r.Credits, err = u.Uint32(); err != nil {
		return err
	}
	if r.Proc, err = u.Uint32(); err != nil {
		return err
	}
	if r.Proc > rdmaError {
		return errBadVersion
	}
	if r.Reads, err = parseReadList(u); err != nil {
		return err
	}
	if r.Writes, err = parseWriteList(u); err != nil {
		return err
	}
	flag, err := u.Uint32()
	if err != nil {
		return err
	}
	if flag == 1 {
		if r.Reply, err = parseWriteChunk(u); err != nil {
			return err
		}
	}
	if err := p.add(r); err != nil {
		return err
	}

	st.rdma.registerChunks(r)
	entry := st.rdma.track(r)

	switch r.Proc {
	case rdmaMsg, rdmaNomsg:
		reduced := u.Rest()
		if len(entry.readChunks) > 0 {
			if !entry.readsComplete() {
				// Read chunks outstanding; the message decodes on
				// the frame of the last read response.
				entry.reduced = append([]byte(nil), reduced...)
				entry.parked = true
				r.Data = reduced
				return nil
			}
			full := st.rdma.reconstruct(entry, reduced)
			st.rdma.writeChunks = nil // call side; write chunks not filled yet
			mu := unpack.New(full)
			if err := decodeRPC(mu, p, st, true); err != nil {
				r.Data = full
			}
			st.rdma.releaseReads(entry)
			return nil
		}
		if r.Proc == rdmaNomsg {
			// A long reply delivered entirely via RDMA Writes; the
			// Send itself is empty.
			if len(entry.reply) == 0 {
				return nil
			}
			whole := st.rdma.materializeSegs(entry.reply)
			if whole == nil {
				st.log.Warn("rdma reply chunk incomplete at NOMSG send",
					zap.Uint32("xid", r.XID))
				return nil
			}
			st.rdma.exposeWriteChunks(r.XID)
			mu := unpack.New(whole)
			if err := decodeRPC(mu, p, st, true); err != nil {
				r.Data = whole
			}
			st.rdma.release(entry)
			return nil
		}
		isReply := len(reduced) >= 8 && beU32(reduced[4:8]) == rpcReply
		if isReply {
			st.rdma.exposeWriteChunks(r.XID)
		} else {
			st.rdma.writeChunks = nil
		}
		mu := unpack.New(reduced)
		if err := decodeRPC(mu, p, st, true); err != nil {
			r.Data = reduced
		}
		if isReply {
			st.rdma.release(entry)
		}
	default:
		// MSGP is obsolete, DONE/ERROR carry no RPC message.
		r.Data = u.Rest()
	}
	return nil
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// deliverParked feeds reconstructed messages to the RPC decoder on the
// frame that completed them. The first message is spliced in front of
// the frame's remaining bytes so the decoder consumes it naturally;
// any further completions become sibling packets of the same frame.
func deliverParked(ds []delivery, u *unpack.Unpacker, p *Pkt, st *State) {
	if len(ds) > 0 {
		st.rdma.writeChunks = nil // call side; write chunks not filled yet
	}
	for i, d := range ds {
		target, mu := p, u
		if i > 0 || p.Has("rpc") {
			target = p.cloneForCarve()
			target.Record().Index = p.Record().Index + len(st.extra) + 1
			st.extra = append(st.extra, target)
			mu = unpack.New(nil)
		}
		mu.Insert(d.data)
		if err := decodeRPC(mu, target, st, true); err != nil {
			st.log.Warn("reconstructed rdma message did not decode",
				zap.Uint32("xid", d.entry.xid), zap.Error(err))
		}
		st.rdma.releaseReads(d.entry)
	}
}
