// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeOne(t *testing.T, st *State, frame, index int, data []byte) []*Pkt {
	t.Helper()
	pkts := Decode(rec(frame-1, data), frame, index, st)
	require.NotEmpty(t, pkts)
	return pkts
}

func TestEthernetIPv4UDP(t *testing.T) {
	st := NewState(zap.NewNop())
	frame := ethFrame(etherTypeIPv4,
		ip4Packet(hostA, hostB, ipProtoUDP, udpDatagram(5353, 9999, []byte{1, 2, 3}), ip4Opts{}))

	p := decodeOne(t, st, 1, 0, frame)[0]

	require.True(t, p.Has("ethernet"))
	require.True(t, p.Has("ip"))
	require.True(t, p.Has("udp"))

	eth := p.Layer("ethernet").(*Ethernet)
	assert.Equal(t, "02:00:00:00:00:02", eth.Src.String())

	ip := p.Layer("ip").(*IPv4)
	assert.Equal(t, "10.0.0.1", ip.Src.String())
	assert.Equal(t, "10.0.0.2", ip.Dst.String())

	udp := p.Layer("udp").(*UDP)
	assert.Equal(t, uint16(5353), udp.SrcPort)
	// Not RPC; the payload stays on the layer.
	assert.Equal(t, []byte{1, 2, 3}, udp.Data)
}

func TestUnknownEtherTypeKeepsRawData(t *testing.T) {
	st := NewState(zap.NewNop())
	frame := ethFrame(0x9999, []byte{0xDE, 0xAD})

	p := decodeOne(t, st, 1, 0, frame)[0]
	eth := p.Layer("ethernet").(*Ethernet)
	assert.Equal(t, []byte{0xDE, 0xAD}, eth.Data)
	assert.False(t, p.Has("ip"))
}

func TestStackedVLANs(t *testing.T) {
	st := NewState(zap.NewNop())
	inner := ip4Packet(hostA, hostB, ipProtoUDP, udpDatagram(1, 2, nil), ip4Opts{})
	frame := ethFrame(etherTypeQinQ, cat(
		be16(100), be16(etherTypeVLAN), // outer tag, vid 100
		be16(200), be16(etherTypeIPv4), // inner tag, vid 200
		inner,
	))

	p := decodeOne(t, st, 1, 0, frame)[0]
	require.True(t, p.Has("vlan1"))
	require.True(t, p.Has("vlan2"))
	assert.Equal(t, uint16(100), p.Layer("vlan1").(*VLAN).VID)
	assert.Equal(t, uint16(200), p.Layer("vlan2").(*VLAN).VID)
	// "vlan" aliases the innermost tag.
	assert.Equal(t, uint16(200), p.Layer("vlan").(*VLAN).VID)
	require.True(t, p.Has("ip"))
}

func TestVLANAndUntaggedDecodeSameIPFields(t *testing.T) {
	inner := ip4Packet(hostA, hostB, ipProtoUDP, udpDatagram(7, 8, []byte{9}), ip4Opts{})
	tagged := ethFrame(etherTypeVLAN, cat(be16(42), be16(etherTypeIPv4), inner))
	plain := ethFrame(etherTypeIPv4, inner)

	pt := decodeOne(t, NewState(zap.NewNop()), 1, 0, tagged)[0]
	pp := decodeOne(t, NewState(zap.NewNop()), 1, 0, plain)[0]

	it := pt.Layer("ip").(*IPv4)
	ip := pp.Layer("ip").(*IPv4)
	assert.Equal(t, ip.Src.String(), it.Src.String())
	assert.Equal(t, ip.Dst.String(), it.Dst.String())
	assert.Equal(t, ip.Protocol, it.Protocol)
	ut := pt.Layer("udp").(*UDP)
	up := pp.Layer("udp").(*UDP)
	assert.Equal(t, up.SrcPort, ut.SrcPort)
	assert.Equal(t, up.Data, ut.Data)
}

func TestSLLv1(t *testing.T) {
	st := NewState(zap.NewNop())
	sll := cat(
		be16(0), be16(1), be16(6),
		[]byte{0x02, 0, 0, 0, 0, 0x01, 0, 0},
		be16(etherTypeIPv4),
		ip4Packet(hostA, hostB, ipProtoUDP, udpDatagram(1, 2, nil), ip4Opts{}),
	)
	r := rec(0, sll)
	r.LinkType = 113
	pkts := Decode(r, 1, 0, st)
	require.True(t, pkts[0].Has("sll"))
	require.True(t, pkts[0].Has("ip"))
}

func TestIPv4FragmentReassemblyAnyOrder(t *testing.T) {
	// S3: a 2,000-byte DNS query in three fragments, delivered out of
	// order; DNS becomes observable only on the completing frame.
	payload := cat(
		[]byte{0xAB, 0xCD, 0x01, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
		pattern(1988, 0x11),
	)
	dgram := udpDatagram(5000, portDNS, payload)
	f1 := dgram[:800]
	f2 := dgram[800:1600]
	f3 := dgram[1600:]

	mk := func(frag []byte, off uint16, mf bool) []byte {
		o := ip4Opts{id: 7}
		o.fragOff = off
		if mf {
			o.flags = ip4FlagMF
		}
		return ethFrame(etherTypeIPv4, ip4Packet(hostA, hostB, ipProtoUDP, frag, o))
	}

	cases := []struct {
		name  string
		order []int
	}{
		{"in-order", []int{0, 1, 2}},
		{"reversed", []int{2, 1, 0}},
		{"middle-first", []int{1, 2, 0}},
	}
	frames := [][]byte{
		mk(f1, 0, true),
		mk(f2, 800, true),
		mk(f3, 1600, false),
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := NewState(zap.NewNop())
			var last *Pkt
			for i, fi := range tc.order {
				p := decodeOne(t, st, i+1, i, frames[fi])[0]
				if i < len(tc.order)-1 {
					assert.False(t, p.Has("udp"), "udp before completion")
				}
				last = p
			}
			require.True(t, last.Has("udp"), "udp on completing frame")
			require.True(t, last.Has("dns"), "dns on completing frame")
			d := last.Layer("dns").(*DNS)
			assert.Equal(t, uint16(0xABCD), d.ID)
			assert.Equal(t, payload[12:], d.Data)
		})
	}
}

func TestRawIPLinkType(t *testing.T) {
	st := NewState(zap.NewNop())
	r := rec(0, ip4Packet(hostA, hostB, ipProtoUDP, udpDatagram(1, 2, nil), ip4Opts{}))
	r.LinkType = 101
	pkts := Decode(r, 1, 0, st)
	require.True(t, pkts[0].Has("ip"))
	require.True(t, pkts[0].Has("udp"))
}
