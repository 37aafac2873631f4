// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tcpFrame(seq uint32, payload []byte) []byte {
	return ethFrame(etherTypeIPv4,
		ip4Packet(hostA, hostB, ipProtoTCP, tcpSegment(40000, 2049, seq, payload), ip4Opts{}))
}

func TestRPCCarveAcrossSegments(t *testing.T) {
	// S1: one RPC call spanning three TCP segments; the message is
	// delivered exactly once, on the third frame.
	xid := uint32(0xDEADBEEF)
	msg := cat(rpcCallHeader(xid, 100003, 3, 7), pattern(3868, 0x20))
	stream := cat(recordMark(true, uint32(len(msg))), msg)
	require.Equal(t, 3912, len(stream))

	segs := [][]byte{stream[:1000], stream[1000:2460], stream[2460:]}
	seqs := []uint32{1000, 2000, 3460}

	st := NewState(zap.NewNop())
	var pkts [][]*Pkt
	for i := range segs {
		pkts = append(pkts, decodeOne(t, st, i+1, i, tcpFrame(seqs[i], segs[i])))
	}

	assert.False(t, pkts[0][0].Has("rpc"))
	assert.False(t, pkts[1][0].Has("rpc"))
	require.True(t, pkts[2][0].Has("rpc"))

	r := pkts[2][0].Layer("rpc").(*RPC)
	assert.Equal(t, xid, r.XID)
	assert.Equal(t, uint32(100003), r.Program)
	assert.Equal(t, msg[40:], r.Data)
}

func TestRPCMessageAcrossRecordFragments(t *testing.T) {
	// One RPC message split over two record-marked fragments;
	// concatenation continues until the last-fragment flag.
	xid := uint32(0x01020304)
	msg := cat(rpcCallHeader(xid, 100003, 4, 1), pattern(100, 0x40))
	stream := cat(
		recordMark(false, 60), msg[:60],
		recordMark(true, uint32(len(msg)-60)), msg[60:],
	)

	st := NewState(zap.NewNop())
	p := decodeOne(t, st, 1, 0, tcpFrame(5000, stream))[0]
	require.True(t, p.Has("rpc"))
	assert.Equal(t, xid, p.Layer("rpc").(*RPC).XID)
}

func TestMultipleRPCMessagesOneSegment(t *testing.T) {
	// Two complete messages in one TCP segment become two packets
	// with the same frame and consecutive indexes.
	m1 := rpcCallHeader(0x111, 100003, 3, 1)
	m2 := rpcCallHeader(0x222, 100003, 3, 2)
	stream := cat(
		recordMark(true, uint32(len(m1))), m1,
		recordMark(true, uint32(len(m2))), m2,
	)

	st := NewState(zap.NewNop())
	pkts := decodeOne(t, st, 3, 10, tcpFrame(1, stream))
	require.Len(t, pkts, 2)

	assert.Equal(t, 10, pkts[0].Record().Index)
	assert.Equal(t, 11, pkts[1].Record().Index)
	assert.Equal(t, 3, pkts[0].Record().Frame)
	assert.Equal(t, 3, pkts[1].Record().Frame)
	assert.Equal(t, uint32(0x111), pkts[0].Layer("rpc").(*RPC).XID)
	assert.Equal(t, uint32(0x222), pkts[1].Layer("rpc").(*RPC).XID)
}

func TestRetransmissionDropped(t *testing.T) {
	msg := rpcCallHeader(0x42, 100003, 3, 0)
	stream := cat(recordMark(true, uint32(len(msg))), msg)

	st := NewState(zap.NewNop())
	p1 := decodeOne(t, st, 1, 0, tcpFrame(100, stream))
	require.True(t, p1[0].Has("rpc"))

	// Same bytes again: already-seen sequence range, no new message.
	p2 := decodeOne(t, st, 2, 1, tcpFrame(100, stream))
	assert.False(t, p2[0].Has("rpc"))
}

func TestOutOfOrderSegmentsBuffered(t *testing.T) {
	msg := cat(rpcCallHeader(0x77, 100003, 3, 5), pattern(200, 0x01))
	stream := cat(recordMark(true, uint32(len(msg))), msg)
	cut := 100

	st := NewState(zap.NewNop())
	// Second half first: buffered, nothing carved.
	pA := decodeOne(t, st, 1, 0, tcpFrame(1000+uint32(cut), stream[cut:]))
	assert.False(t, pA[0].Has("rpc"))
	// First half fills the gap; the message completes on this frame.
	pB := decodeOne(t, st, 2, 1, tcpFrame(1000, stream[:cut]))
	require.True(t, pB[0].Has("rpc"))
	assert.Equal(t, uint32(0x77), pB[0].Layer("rpc").(*RPC).XID)
}

func TestXIDPairing(t *testing.T) {
	call := rpcCallHeader(0x1234, 100003, 3, 7)
	reply := rpcReplyHeader(0x1234)

	st := NewState(zap.NewNop())
	decodeOne(t, st, 1, 5, tcpFrame(1, cat(recordMark(true, uint32(len(call))), call)))

	// The reply flows on the reverse direction of the connection.
	seg := tcpSegment(2049, 40000, 900, cat(recordMark(true, uint32(len(reply))), reply))
	frame := ethFrame(etherTypeIPv4, ip4Packet(hostB, hostA, ipProtoTCP, seg, ip4Opts{}))
	p := decodeOne(t, st, 2, 6, frame)[0]

	r := p.Layer("rpc").(*RPC)
	assert.Equal(t, uint32(1), r.Type)
	assert.Equal(t, 5, r.CallIndex)
	// The reply inherits the call's program triple.
	assert.Equal(t, uint32(100003), r.Program)
	assert.Equal(t, uint32(7), r.Procedure)
	assert.Equal(t, 5, st.CallIndex(0x1234))
}
