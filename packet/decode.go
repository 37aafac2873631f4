// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"github.com/nfstrace/nfstrace/internal/unpack"

	"github.com/nfstrace/nfstrace/pcap"
)

// Decode turns one capture record into its decoded packets. The first
// packet carries the full layer stack; when reassembly completes more
// than one message on this record (several RPC records in one TCP
// segment, several MPA FPDUs, parked RDMA messages), the extra
// messages follow as sibling packets with the same frame number and
// consecutive indexes starting at startIndex.
func Decode(rec *pcap.Record, frame, startIndex int, st *State) []*Pkt {
	recLayer := &RecordLayer{
		Index:       startIndex,
		Frame:       frame,
		TsSec:       rec.TsSec,
		TsUsec:      rec.TsUsec,
		CapturedLen: rec.CapturedLen,
		OriginalLen: rec.OriginalLen,
		LinkType:    rec.LinkType,
	}
	p := NewPkt(recLayer)
	st.extra = nil

	u := unpack.New(rec.Data)
	var err error
	switch rec.LinkType {
	case pcap.LinkEthernet:
		err = decodeEthernet(u, p, st)
	case pcap.LinkRaw:
		err = decodeRawIP(u, p, st)
	case pcap.LinkSLL:
		err = decodeSLL(u, p, st)
	case pcap.LinkSLL2:
		err = decodeSLL2(u, p, st)
	case pcap.LinkERF:
		err = decodeERF(u, p, st)
	default:
		err = errUnknownProtocol
	}
	if err != nil && u.Remaining() > 0 {
		recLayer.setData(u.Rest())
	}

	pkts := append([]*Pkt{p}, st.extra...)
	st.extra = nil
	return pkts
}

// decodeRawIP handles DLT 101: the payload starts directly with an IP
// header, version told by the leading nibble.
func decodeRawIP(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Peek(1)
	if err != nil {
		return err
	}
	switch b[0] >> 4 {
	case 4:
		return decodeIPv4(u, p, st)
	case 6:
		return decodeIPv6(u, p, st)
	}
	return errUnknownProtocol
}
