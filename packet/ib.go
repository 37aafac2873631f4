// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// ibOp classifies a fragment's position within a burst.
type ibOp int

const (
	opFirst ibOp = iota
	opMiddle
	opLast
	opOnly
)

// InfiniBand RC opcodes (IBA vol 1, base transport header).
const (
	ibSendFirst         = 0
	ibSendMiddle        = 1
	ibSendLast          = 2
	ibSendLastImm       = 3
	ibSendOnly          = 4
	ibSendOnlyImm       = 5
	ibWriteFirst        = 6
	ibWriteMiddle       = 7
	ibWriteLast         = 8
	ibWriteLastImm      = 9
	ibWriteOnly         = 10
	ibWriteOnlyImm      = 11
	ibReadRequest       = 12
	ibReadRespFirst     = 13
	ibReadRespMiddle    = 14
	ibReadRespLast      = 15
	ibReadRespOnly      = 16
	ibAck               = 17
	ibAtomicAck         = 18
	ibCompareSwap       = 19
	ibFetchAdd          = 20
	ibOpcodeTypeMask    = 0xE0
	ibOpcodeRC          = 0x00
	icrcLen             = 4
	lrhNextHeaderIBA    = 0x2
	lrhNextHeaderGlobal = 0x3
)

// IB is an InfiniBand base transport header with the optional RETH and
// AETH fields of the opcodes this engine follows. PSN orders RDMA
// fragments during reassembly.
type IB struct {
	OpCode   uint8
	SE       bool
	Migreq   bool
	PadCount uint8
	PKey     uint16
	DestQP   uint32
	AckReq   bool
	PSN      uint32

	// RETH, on RDMA Write First/Only and Read Request.
	VirtualAddr uint64
	RKey        uint32
	DMALen      uint32

	// AETH, on acknowledgements and Read Response First/Last/Only.
	Syndrome uint8
	MSN      uint32

	rawData
}

// Kind implements Layer.
func (b *IB) Kind() Kind { return KindIB }

// Field implements Layer.
func (b *IB) Field(name string) (interface{}, bool) {
	switch name {
	case "opcode":
		return b.OpCode, true
	case "psn":
		return b.PSN, true
	case "deth_qp", "destqp", "qp":
		return b.DestQP, true
	case "pkey":
		return b.PKey, true
	case "reth_r_key", "rkey":
		return b.RKey, true
	case "reth_va", "va":
		return b.VirtualAddr, true
	case "reth_dma_len", "dma_len":
		return b.DMALen, true
	case "msn":
		return b.MSN, true
	}
	return b.dataField(name)
}

func (b *IB) String() string {
	return fmt.Sprintf("ib op=%d psn=%d qp=%#x", b.OpCode, b.PSN, b.DestQP)
}

// decodeIBRoCE decodes a RoCEv2 payload: BTH directly after UDP port
// 4791, with a 4-byte ICRC trailer.
func decodeIBRoCE(u *unpack.Unpacker, p *Pkt, st *State) error {
	return decodeBTH(u, p, st, true)
}

// decodeIBLocal decodes an InfiniBand local packet as captured by ERF
// hardware: LRH, optional GRH, then BTH.
func decodeIBLocal(u *unpack.Unpacker, p *Pkt, st *State) error {
	lrh, err := u.Read(8)
	if err != nil {
		return err
	}
	switch lrh[1] & 0x03 {
	case lrhNextHeaderIBA:
	case lrhNextHeaderGlobal:
		if _, err := u.Read(40); err != nil { // GRH
			return err
		}
	default:
		return errUnknownProtocol
	}
	return decodeBTH(u, p, st, true)
}

func decodeBTH(u *unpack.Unpacker, p *Pkt, st *State, icrc bool) error {
	h, err := u.Read(12)
	if err != nil {
		return err
	}
	b := &IB{
		OpCode:   h[0],
		SE:       h[1]&0x80 != 0,
		Migreq:   h[1]&0x40 != 0,
		PadCount: h[1] >> 4 & 0x03,
		PKey:     uint16(h[2])<<8 | uint16(h[3]),
		DestQP:   uint32(h[5])<<16 | uint32(h[6])<<8 | uint32(h[7]),
		AckReq:   h[8]&0x80 != 0,
		PSN:      uint32(h[9])<<16 | uint32(h[10])<<8 | uint32(h[11]),
	}
	if b.OpCode&ibOpcodeTypeMask != ibOpcodeRC {
		return errUnknownProtocol // only reliable-connected traffic
	}
	if err := p.add(b); err != nil {
		return err
	}

	op := b.OpCode
	switch op {
	case ibWriteFirst, ibWriteOnly, ibWriteOnlyImm, ibReadRequest:
		r, err := u.Read(16)
		if err != nil {
			return nil
		}
		b.VirtualAddr = uint64(beU32(r[0:4]))<<32 | uint64(beU32(r[4:8]))
		b.RKey = beU32(r[8:12])
		b.DMALen = beU32(r[12:16])
	}
	switch op {
	case ibReadRespFirst, ibReadRespLast, ibReadRespOnly, ibAck, ibAtomicAck:
		a, err := u.Read(4)
		if err != nil {
			return nil
		}
		b.Syndrome = a[0]
		b.MSN = beU32(a) & 0x00FFFFFF
	}
	switch op {
	case ibSendLastImm, ibSendOnlyImm, ibWriteLastImm, ibWriteOnlyImm:
		if _, err := u.Read(4); err != nil { // immediate data
			return nil
		}
	}

	payload := u.Rest()
	trim := int(b.PadCount)
	if icrc {
		trim += icrcLen
	}
	if len(payload) >= trim {
		payload = payload[:len(payload)-trim]
	}

	switch op {
	case ibSendFirst, ibSendMiddle:
		st.rdma.pushIBSend(b.DestQP, b.PSN, payload, false)
	case ibSendLast, ibSendLastImm, ibSendOnly, ibSendOnlyImm:
		msg := st.rdma.pushIBSend(b.DestQP, b.PSN, payload, true)
		if msg != nil {
			su := unpack.New(msg)
			if err := decodeRPCoRDMA(su, p, st); err != nil {
				b.setData(msg)
			}
		}
	case ibWriteFirst:
		st.rdma.writeFragment(opFirst, b.PSN, b.RKey, b.VirtualAddr, b.DMALen, payload)
	case ibWriteMiddle:
		st.rdma.writeFragment(opMiddle, b.PSN, 0, 0, 0, payload)
	case ibWriteLast, ibWriteLastImm:
		st.rdma.writeFragment(opLast, b.PSN, 0, 0, 0, payload)
	case ibWriteOnly, ibWriteOnlyImm:
		st.rdma.writeFragment(opOnly, b.PSN, b.RKey, b.VirtualAddr, b.DMALen, payload)
	case ibReadRequest:
		st.rdma.readRequest(b.RKey, b.PSN, b.VirtualAddr, b.DMALen)
	case ibReadRespFirst:
		deliverParked(st.rdma.readResponse(opFirst, b.PSN, payload), u, p, st)
	case ibReadRespMiddle:
		deliverParked(st.rdma.readResponse(opMiddle, b.PSN, payload), u, p, st)
	case ibReadRespLast:
		deliverParked(st.rdma.readResponse(opLast, b.PSN, payload), u, p, st)
	case ibReadRespOnly:
		deliverParked(st.rdma.readResponse(opOnly, b.PSN, payload), u, p, st)
	default:
		b.setData(payload)
	}
	return nil
}
