// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// UDP ports with dedicated decoders.
const (
	portDNS    = 53
	portKRB5   = 88
	portNTP    = 123
	portRoCEv2 = 4791
)

// UDP is a UDP header.
type UDP struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
	Chksum  uint16
	rawData
}

// Kind implements Layer.
func (u *UDP) Kind() Kind { return KindUDP }

// Field implements Layer.
func (u *UDP) Field(name string) (interface{}, bool) {
	switch name {
	case "src_port", "sport":
		return u.SrcPort, true
	case "dst_port", "dport":
		return u.DstPort, true
	case "length":
		return u.Length, true
	case "checksum":
		return u.Chksum, true
	}
	return u.dataField(name)
}

func (u *UDP) String() string {
	return fmt.Sprintf("udp %d -> %d", u.SrcPort, u.DstPort)
}

func decodeUDP(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(8)
	if err != nil {
		return err
	}
	udp := &UDP{
		SrcPort: uint16(b[0])<<8 | uint16(b[1]),
		DstPort: uint16(b[2])<<8 | uint16(b[3]),
		Length:  uint16(b[4])<<8 | uint16(b[5]),
		Chksum:  uint16(b[6])<<8 | uint16(b[7]),
	}
	if err := p.add(udp); err != nil {
		return err
	}

	var cerr error
	switch {
	case udp.SrcPort == portDNS || udp.DstPort == portDNS:
		cerr = decodeDNS(u, p)
	case udp.SrcPort == portNTP || udp.DstPort == portNTP:
		cerr = decodeNTP(u, p)
	case udp.SrcPort == portKRB5 || udp.DstPort == portKRB5:
		cerr = errUnknownProtocol // recognized, kept opaque
	case udp.DstPort == portRoCEv2 || udp.SrcPort == portRoCEv2:
		cerr = decodeIBRoCE(u, p, st)
	default:
		// RPC over UDP carries no record marking; one datagram is
		// one message.
		cerr = decodeRPC(u, p, st, false)
	}
	if cerr != nil && u.Remaining() > 0 {
		udp.setData(u.Rest())
	}
	return nil
}
