// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package trace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfstrace/nfstrace/internal/pcaptest"
	"github.com/nfstrace/nfstrace/packet"
)

func TestRewriteExpr(t *testing.T) {
	cases := []struct{ in, want string }{
		{
			"TCP.flags.ACK == 1 and NFS.argop == 38",
			"[tcp.flags.ACK] == 1 && [nfs.argop] == 38",
		},
		{"IP.src == '10.0.0.1' or IP.dst == '10.0.0.1'",
			"[ip.src] == '10.0.0.1' || [ip.dst] == '10.0.0.1'"},
		{"not tcp", "! [tcp]"},
		{"rpc.xid in (1, 2, 3)", "[rpc.xid] in (1, 2, 3)"},
		{"crc32(nfs.fh) == 12", "crc32([nfs.fh]) == 12"},
		{"vlan2.vid == 200", "[vlan2.vid] == 200"},
		{"'and tcp.x' == dns.id", "'and tcp.x' == [dns.id]"},
		{"(TCP.src_port == 2049)", "([tcp.src_port] == 2049)"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rewriteExpr(tc.in), tc.in)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x27, 'a', 0xFF, '\'', '\\'}
	expr := "hexdecode('002761ff275c')"
	assert.Equal(t, expr, Escape(raw))
}

func openTrace(t *testing.T, recs ...pcaptest.Rec) *Trace {
	t.Helper()
	dir := t.TempDir()
	path := pcaptest.Write(t, dir, "m.pcap", 1, recs...)
	tr, err := Open([]string{path})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestMatchNoMatchRewinds(t *testing.T) {
	// S6: nothing satisfies the predicate; the iterator ends up back
	// where the search began.
	recs := make([]pcaptest.Rec, 100)
	for i := range recs {
		recs[i] = pcaptest.Rec{TsSec: uint32(i), Data: dnsQuery(uint16(i))}
	}
	tr := openTrace(t, recs...)

	p, err := tr.Match("NFS.argop == 38")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, tr.Index())
}

func TestMatchAdvancesPastHit(t *testing.T) {
	tr := openTrace(t,
		pcaptest.Rec{TsSec: 1, Data: dnsQuery(5)},
		pcaptest.Rec{TsSec: 2, Data: dnsQuery(6)},
	)
	p, err := tr.Match("dns.id == 6")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Record().Index)
	assert.Equal(t, 2, tr.Index())

	// Property 4: the matched packet satisfies the predicate in
	// isolation.
	tr.SetPktList([]*packet.Pkt{p})
	again, err := tr.Match("dns.id == 6")
	require.NoError(t, err)
	assert.Same(t, p, again)
}

func TestMatchMaxIndex(t *testing.T) {
	tr := openTrace(t,
		pcaptest.Rec{TsSec: 1, Data: dnsQuery(1)},
		pcaptest.Rec{TsSec: 2, Data: dnsQuery(2)},
		pcaptest.Rec{TsSec: 3, Data: dnsQuery(3)},
	)
	p, err := tr.Match("dns.id == 3", MaxIndex(1))
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, tr.Index())
}

func TestMatchReplyPairing(t *testing.T) {
	call := cat(mark(true, len(rpcCallMsg(0x1234))), rpcCallMsg(0x1234))
	reply := cat(mark(true, len(rpcReplyMsg(0x1234))), rpcReplyMsg(0x1234))
	tr := openTrace(t,
		pcaptest.Rec{TsSec: 1, Data: tcpFrame(1, 2, 40000, 2049, 1, call)},
		pcaptest.Rec{TsSec: 2, Data: dnsQuery(9)},
		pcaptest.Rec{TsSec: 3, Data: tcpFrame(2, 1, 2049, 40000, 1, reply)},
	)

	p1, err := tr.Match("rpc.type == 0 and rpc.xid == 4660", WithReply(true))
	require.NoError(t, err)
	require.NotNil(t, p1)
	assert.Equal(t, uint32(packet.RPCCall), p1.Layer("rpc").(*packet.RPC).Type)

	// The reply pairs by XID even though the predicate only matches
	// calls.
	p2, err := tr.Match("rpc.type == 0 and rpc.xid == 4660", WithReply(true))
	require.NoError(t, err)
	require.NotNil(t, p2)
	r := p2.Layer("rpc").(*packet.RPC)
	assert.Equal(t, uint32(packet.RPCReply), r.Type)
	assert.Equal(t, uint32(0x1234), r.XID)
}

func TestMatchOpaqueBytesViaEscape(t *testing.T) {
	payload := []byte{0x01, 0x00, 0xFE, 'x'}
	msg := cat(rpcCallMsg(0x99), payload)
	stream := cat(mark(true, len(msg)), msg)
	tr := openTrace(t,
		pcaptest.Rec{TsSec: 1, Data: tcpFrame(1, 2, 40000, 2049, 1, stream)},
	)
	p, err := tr.Match("rpc.data == " + Escape(payload))
	require.NoError(t, err)
	require.NotNil(t, p)
}

// fakeNFS simulates an NFSv4 compound for the matcher's
// any-operation semantics.
type fakeNFS struct {
	ops []float64
}

func (f *fakeNFS) Kind() packet.Kind { return packet.KindNFS }

func (f *fakeNFS) Field(name string) (interface{}, bool) {
	if name == "minorversion" {
		return uint32(1), true
	}
	return nil, false
}

func (f *fakeNFS) String() string { return "nfs" }

func (f *fakeNFS) Ops() int { return len(f.ops) }

func (f *fakeNFS) OpField(i int, name string) (interface{}, bool) {
	if name == "argop" {
		return f.ops[i], true
	}
	return nil, false
}

type fakeNFSDecoder struct{}

func (fakeNFSDecoder) DecodeCall(proc uint32, payload []byte, writeChunks [][][]byte) (packet.Layer, error) {
	return &fakeNFS{ops: []float64{10, 38}}, nil
}

func (fakeNFSDecoder) DecodeReply(proc uint32, payload []byte, writeChunks [][][]byte) (packet.Layer, error) {
	return nil, errors.New("opaque")
}

func TestNFSAnyOperationMatch(t *testing.T) {
	msg := rpcCallMsg(0x31)
	stream := cat(mark(true, len(msg)), msg)
	dir := t.TempDir()
	path := pcaptest.Write(t, dir, "n.pcap", 1,
		pcaptest.Rec{TsSec: 1, Data: tcpFrame(1, 2, 40000, 2049, 1, stream)},
	)
	tr, err := Open([]string{path})
	require.NoError(t, err)
	defer tr.Close()
	tr.RegisterProgram(100003, 3, fakeNFSDecoder{})

	// Second operation carries argop 38; any-op semantics match.
	p, err := tr.Match("NFS.argop == 38")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.True(t, p.Has("nfs"))

	require.NoError(t, tr.Rewind(0))
	p, err = tr.Match("NFS.argop == 39")
	require.NoError(t, err)
	assert.Nil(t, p)

	// Compound-wide attributes resolve without the per-op wrapper.
	require.NoError(t, tr.Rewind(0))
	p, err = tr.Match("nfs.minorversion == 1")
	require.NoError(t, err)
	assert.NotNil(t, p)
}
