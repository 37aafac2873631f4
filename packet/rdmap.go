// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// RDMAP opcodes (RFC 5040).
const (
	rdmapWrite            = 0x0
	rdmapReadRequest      = 0x1
	rdmapReadResponse     = 0x2
	rdmapSend             = 0x3
	rdmapSendInvalidate   = 0x4
	rdmapSendSE           = 0x5
	rdmapSendSEInvalidate = 0x6
	rdmapTerminate        = 0x7
)

// RDMAP is the RDMA protocol control carried in the DDP reserved-ULP
// byte, plus the per-opcode fields of read requests and terminates.
type RDMAP struct {
	Version uint8
	OpCode  uint8

	// Read request header.
	SinkSTag   uint32
	SinkOffset uint64
	ReadSize   uint32
	SrcSTag    uint32
	SrcOffset  uint64

	// Terminate control.
	TermLayer uint8
	TermEType uint8
	TermCode  uint8

	rawData
}

// Kind implements Layer.
func (r *RDMAP) Kind() Kind { return KindRDMAP }

// Field implements Layer.
func (r *RDMAP) Field(name string) (interface{}, bool) {
	switch name {
	case "version":
		return r.Version, true
	case "opcode":
		return r.OpCode, true
	case "sink_stag", "sinkstag":
		return r.SinkSTag, true
	case "sink_offset":
		return r.SinkOffset, true
	case "read_size", "dma_len":
		return r.ReadSize, true
	case "src_stag", "source_stag":
		return r.SrcSTag, true
	case "src_offset", "source_offset":
		return r.SrcOffset, true
	case "term_layer":
		return r.TermLayer, true
	case "term_etype":
		return r.TermEType, true
	case "term_code":
		return r.TermCode, true
	}
	return r.dataField(name)
}

func (r *RDMAP) String() string {
	return fmt.Sprintf("rdmap op=%d", r.OpCode)
}

func decodeRDMAP(u *unpack.Unpacker, p *Pkt, st *State, d *DDP) error {
	r := &RDMAP{
		Version: d.RsvdULP >> 6,
		OpCode:  d.RsvdULP & 0x0F,
	}
	if err := p.add(r); err != nil {
		return err
	}

	switch r.OpCode {
	case rdmapWrite:
		if !d.Tagged {
			return errUnknownProtocol
		}
		payload := u.Rest()
		st.rdma.placeTagged(d.STag, d.Offset, payload, d.Last)
	case rdmapReadResponse:
		if !d.Tagged {
			return errUnknownProtocol
		}
		payload := u.Rest()
		ds := st.rdma.placeTagged(d.STag, d.Offset, payload, d.Last)
		deliverParked(ds, unpack.New(nil), p, st)
	case rdmapReadRequest:
		b, err := u.Read(28)
		if err != nil {
			return err
		}
		r.SinkSTag = beU32(b[0:4])
		r.SinkOffset = uint64(beU32(b[4:8]))<<32 | uint64(beU32(b[8:12]))
		r.ReadSize = beU32(b[12:16])
		r.SrcSTag = beU32(b[16:20])
		r.SrcOffset = uint64(beU32(b[20:24]))<<32 | uint64(beU32(b[24:28]))
		st.rdma.bindRead(r.SinkSTag, r.SinkOffset, r.ReadSize, r.SrcSTag, r.SrcOffset)
	case rdmapSend, rdmapSendInvalidate, rdmapSendSE, rdmapSendSEInvalidate:
		payload := u.Rest()
		msg := st.rdma.pushSend(d.Queue, d.MSN, d.MsgOffset, payload, d.Last)
		if msg != nil {
			su := unpack.New(msg)
			if err := decodeRPCoRDMA(su, p, st); err != nil {
				r.setData(msg)
			}
		}
	case rdmapTerminate:
		b, err := u.Read(4)
		if err != nil {
			return err
		}
		// RFC 5040 §6.3 terminate control; the echoed DDP/RDMAP
		// header of the terminated message stays as data.
		r.TermLayer = b[0] >> 4
		r.TermEType = b[0] & 0x0F
		r.TermCode = b[1]
		r.setData(u.Rest())
		st.log.Warn("rdmap terminate",
			zap.Uint8("layer", r.TermLayer), zap.Uint8("code", r.TermCode))
	default:
		return errUnknownProtocol
	}
	return nil
}
