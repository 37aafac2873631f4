// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

// Synthetic frame builders shared by the decoder tests.

import (
	"encoding/binary"

	"github.com/nfstrace/nfstrace/pcap"
)

func be16(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
func be32(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }
func be64(v uint64) []byte { b := make([]byte, 8); binary.BigEndian.PutUint64(b, v); return b }

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}

func ethFrame(etype uint16, payload []byte) []byte {
	hdr := cat(
		[]byte{0x02, 0, 0, 0, 0, 0x01}, // dst
		[]byte{0x02, 0, 0, 0, 0, 0x02}, // src
		be16(etype),
	)
	return cat(hdr, payload)
}

type ip4Opts struct {
	id      uint16
	flags   uint8
	fragOff uint16 // in bytes, must be a multiple of 8
}

func ip4Packet(src, dst [4]byte, proto uint8, payload []byte, o ip4Opts) []byte {
	hdr := make([]byte, 20)
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:4], uint16(20+len(payload)))
	binary.BigEndian.PutUint16(hdr[4:6], o.id)
	frag := uint16(o.flags)<<13 | o.fragOff/8
	binary.BigEndian.PutUint16(hdr[6:8], frag)
	hdr[8] = 64
	hdr[9] = proto
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	return cat(hdr, payload)
}

var (
	hostA = [4]byte{10, 0, 0, 1}
	hostB = [4]byte{10, 0, 0, 2}
)

func tcpSegment(sport, dport uint16, seq uint32, payload []byte) []byte {
	hdr := make([]byte, 20)
	binary.BigEndian.PutUint16(hdr[0:2], sport)
	binary.BigEndian.PutUint16(hdr[2:4], dport)
	binary.BigEndian.PutUint32(hdr[4:8], seq)
	hdr[12] = 5 << 4
	hdr[13] = 0x18 // PSH|ACK
	binary.BigEndian.PutUint16(hdr[14:16], 65535)
	return cat(hdr, payload)
}

func udpDatagram(sport, dport uint16, payload []byte) []byte {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint16(hdr[0:2], sport)
	binary.BigEndian.PutUint16(hdr[2:4], dport)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(8+len(payload)))
	return cat(hdr, payload)
}

// rpcCallHeader builds a 40-byte RPC call header with null
// credentials.
func rpcCallHeader(xid, prog, vers, proc uint32) []byte {
	return cat(
		be32(xid), be32(0), // xid, CALL
		be32(2),                            // rpcvers
		be32(prog), be32(vers), be32(proc), // program triple
		be32(0), be32(0), // null cred
		be32(0), be32(0), // null verf
	)
}

// rpcReplyHeader builds a 24-byte accepted RPC reply header.
func rpcReplyHeader(xid uint32) []byte {
	return cat(
		be32(xid), be32(1), // xid, REPLY
		be32(0),          // MSG_ACCEPTED
		be32(0), be32(0), // null verf
		be32(0), // SUCCESS
	)
}

func recordMark(last bool, size uint32) []byte {
	if last {
		size |= 0x80000000
	}
	return be32(size)
}

// bthOpts carries the optional BTH extension fields.
type bthOpts struct {
	reth *rethFields
	aeth bool
}

type rethFields struct {
	va     uint64
	rkey   uint32
	dmaLen uint32
}

// ibPacket builds a RoCEv2 UDP payload: BTH, optional RETH/AETH, the
// payload, and a zero ICRC trailer.
func ibPacket(opcode uint8, qp, psn uint32, o bthOpts, payload []byte) []byte {
	bth := make([]byte, 12)
	bth[0] = opcode
	binary.BigEndian.PutUint16(bth[2:4], 0xFFFF)
	bth[5] = byte(qp >> 16)
	bth[6] = byte(qp >> 8)
	bth[7] = byte(qp)
	bth[9] = byte(psn >> 16)
	bth[10] = byte(psn >> 8)
	bth[11] = byte(psn)
	out := bth
	if o.reth != nil {
		out = cat(out, be64(o.reth.va), be32(o.reth.rkey), be32(o.reth.dmaLen))
	}
	if o.aeth {
		out = cat(out, be32(0))
	}
	return cat(out, payload, make([]byte, 4)) // ICRC
}

// roceFrame wraps an IB packet in Ethernet/IPv4/UDP to port 4791.
func roceFrame(ib []byte) []byte {
	return ethFrame(etherTypeIPv4,
		ip4Packet(hostA, hostB, ipProtoUDP,
			udpDatagram(41000, portRoCEv2, ib), ip4Opts{}))
}

func rec(index int, data []byte) *pcap.Record {
	return &pcap.Record{
		Index:       index,
		TsSec:       uint32(100 + index),
		CapturedLen: uint32(len(data)),
		OriginalLen: uint32(len(data)),
		LinkType:    pcap.LinkEthernet,
		Data:        data,
	}
}
