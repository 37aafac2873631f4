// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"
	"io"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// RPC message types, exported for callers correlating calls with
// replies.
const (
	RPCCall  = 0
	RPCReply = 1
)

// RPC reply status values (RFC 5531).
const (
	rpcCall  = RPCCall
	rpcReply = RPCReply

	rpcMsgAccepted = 0
	rpcMsgDenied   = 1

	rpcVersion = 2

	// maxAuthLen bounds an opaque_auth body; used as a plausibility
	// check when sniffing RPC on unregistered UDP ports.
	maxAuthLen = 400
)

// RPC is an ONC RPC call or reply header. For replies, Program,
// Version and Procedure are filled from the matching call when the
// XID map knows it.
type RPC struct {
	XID        uint32
	Type       uint32 // rpcCall or rpcReply
	Program    uint32
	Version    uint32
	Procedure  uint32
	CredFlavor uint32
	VerfFlavor uint32
	ReplyStat  uint32 // accepted/denied, replies only
	AcceptStat uint32
	RejectStat uint32
	CallIndex  int // packet index of the matching call, -1 if unseen
	rawData
}

// Kind implements Layer.
func (r *RPC) Kind() Kind { return KindRPC }

// Field implements Layer.
func (r *RPC) Field(name string) (interface{}, bool) {
	switch name {
	case "xid":
		return r.XID, true
	case "type", "mtype":
		return r.Type, true
	case "program", "prog":
		return r.Program, true
	case "version", "vers":
		return r.Version, true
	case "procedure", "proc":
		return r.Procedure, true
	case "reply_status":
		return r.ReplyStat, true
	case "accepted_status":
		return r.AcceptStat, true
	case "rejected_status":
		return r.RejectStat, true
	case "call_index":
		return r.CallIndex, true
	}
	return r.dataField(name)
}

func (r *RPC) String() string {
	if r.Type == rpcCall {
		return fmt.Sprintf("rpc call xid=%#08x prog=%d proc=%d", r.XID, r.Program, r.Procedure)
	}
	return fmt.Sprintf("rpc reply xid=%#08x", r.XID)
}

// skipAuth consumes one XDR opaque_auth, returning its flavor.
func skipAuth(u *unpack.Unpacker) (uint32, error) {
	flavor, err := u.Uint32()
	if err != nil {
		return 0, err
	}
	n, err := u.Uint32()
	if err != nil {
		return 0, err
	}
	if n > maxAuthLen {
		return 0, fmt.Errorf("%w: auth body %d", errTruncated, n)
	}
	if _, err := u.Read(int(n+3) &^ 3); err != nil {
		return 0, err
	}
	return flavor, nil
}

// decodeRPC parses an RPC message at the cursor. framed is true when
// the bytes came from record-marked stream carving and are known to be
// one whole message; unframed (UDP) parsing applies plausibility
// checks and seeks back on rejection.
func decodeRPC(u *unpack.Unpacker, p *Pkt, st *State, framed bool) error {
	entry := u.Tell()
	fail := func(err error) error {
		u.Seek(int64(entry), io.SeekStart) //nolint:errcheck
		return err
	}

	xid, err := u.Uint32()
	if err != nil {
		return fail(err)
	}
	mtype, err := u.Uint32()
	if err != nil {
		return fail(err)
	}
	r := &RPC{XID: xid, Type: mtype, CallIndex: -1}

	switch mtype {
	case rpcCall:
		vers, err := u.Uint32()
		if err != nil {
			return fail(err)
		}
		if vers != rpcVersion {
			return fail(errBadVersion)
		}
		if r.Program, err = u.Uint32(); err != nil {
			return fail(err)
		}
		if r.Version, err = u.Uint32(); err != nil {
			return fail(err)
		}
		if r.Procedure, err = u.Uint32(); err != nil {
			return fail(err)
		}
		if r.CredFlavor, err = skipAuth(u); err != nil {
			return fail(err)
		}
		if r.VerfFlavor, err = skipAuth(u); err != nil {
			return fail(err)
		}
	case rpcReply:
		stat, err := u.Uint32()
		if err != nil {
			return fail(err)
		}
		if stat > rpcMsgDenied {
			return fail(errBadVersion)
		}
		r.ReplyStat = stat
		if stat == rpcMsgAccepted {
			if r.VerfFlavor, err = skipAuth(u); err != nil {
				return fail(err)
			}
			if r.AcceptStat, err = u.Uint32(); err != nil {
				return fail(err)
			}
		} else {
			if r.RejectStat, err = u.Uint32(); err != nil {
				return fail(err)
			}
		}
	default:
		return fail(errBadVersion)
	}

	if !framed && mtype == rpcCall && r.Program < 100000 {
		// Not a plausible portmapped program; almost certainly not
		// RPC at all.
		return fail(errUnknownProtocol)
	}
	if err := p.add(r); err != nil {
		return fail(err)
	}

	idx := 0
	if rec := p.Record(); rec != nil {
		idx = rec.Index
	}
	if mtype == rpcCall {
		st.xid[r.XID] = idx
		st.noteCall(r.XID, r.Program, r.Version, r.Procedure)
	} else {
		r.CallIndex = st.CallIndex(r.XID)
		if prog, vers, proc, ok := st.callInfo(r.XID); ok {
			r.Program, r.Version, r.Procedure = prog, vers, proc
		}
	}

	decodeRPCPayload(u, p, st, r)
	return nil
}

// decodeRPCPayload hands the message body to a registered program
// decoder, keeping it as opaque data when none claims it. The current
// write-chunk data rides along so the decoder can pull large opaque
// fields from the RDMA segments.
func decodeRPCPayload(u *unpack.Unpacker, p *Pkt, st *State, r *RPC) {
	payload := u.Rest()
	dec := st.programs[progVers{r.Program, r.Version}]
	if dec == nil {
		r.Data = payload
		return
	}
	// Only messages carried over RPC-over-RDMA have write chunks.
	chunks := st.rdma.writeChunks
	if !p.Has("rpcordma") {
		chunks = nil
	}
	var layer Layer
	var err error
	if r.Type == rpcCall {
		layer, err = dec.DecodeCall(r.Procedure, payload, chunks)
	} else {
		layer, err = dec.DecodeReply(r.Procedure, payload, chunks)
	}
	if err != nil || layer == nil {
		r.Data = payload
		return
	}
	if err := p.add(layer); err != nil {
		r.Data = payload
	}
}

// callInfo remembers the program triple of each in-flight call so the
// reply side can dispatch its payload decoder.
type callInfo struct {
	prog uint32
	vers uint32
	proc uint32
}

func (st *State) noteCall(xid, prog, vers, proc uint32) {
	if st.calls == nil {
		st.calls = make(map[uint32]callInfo)
	}
	st.calls[xid] = callInfo{prog, vers, proc}
}

func (st *State) callInfo(xid uint32) (uint32, uint32, uint32, bool) {
	ci, ok := st.calls[xid]
	return ci.prog, ci.vers, ci.proc, ok
}
