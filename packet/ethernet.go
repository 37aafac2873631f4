// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"
	"io"
	"net"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// EtherTypes dispatched by the link layers.
const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
	etherTypeIPv6 = 0x86DD
)

// Ethernet is an Ethernet II header.
type Ethernet struct {
	Dst  net.HardwareAddr
	Src  net.HardwareAddr
	Type uint16
	rawData
}

// Kind implements Layer.
func (e *Ethernet) Kind() Kind { return KindEthernet }

// Field implements Layer.
func (e *Ethernet) Field(name string) (interface{}, bool) {
	switch name {
	case "src":
		return e.Src.String(), true
	case "dst":
		return e.Dst.String(), true
	case "type":
		return e.Type, true
	}
	return e.dataField(name)
}

func (e *Ethernet) String() string {
	return fmt.Sprintf("%s -> %s", e.Src, e.Dst)
}

func decodeEthernet(u *unpack.Unpacker, p *Pkt, st *State) error {
	entry := u.Tell()
	b, err := u.Read(14)
	if err != nil {
		return err
	}
	eth := &Ethernet{
		Dst:  net.HardwareAddr(append([]byte(nil), b[0:6]...)),
		Src:  net.HardwareAddr(append([]byte(nil), b[6:12]...)),
		Type: uint16(b[12])<<8 | uint16(b[13]),
	}
	if err := p.add(eth); err != nil {
		u.Seek(int64(entry), io.SeekStart) //nolint:errcheck
		return err
	}
	decodeEtherType(eth.Type, u, p, st, eth)
	return nil
}

// decodeEtherType runs the child decoder for an EtherType. A child
// that rejects its input leaves the remaining bytes on the outermost
// layer decoded so far.
func decodeEtherType(etype uint16, u *unpack.Unpacker, p *Pkt, st *State, outer dataCarrier) {
	var err error
	switch etype {
	case etherTypeIPv4:
		err = decodeIPv4(u, p, st)
	case etherTypeIPv6:
		err = decodeIPv6(u, p, st)
	case etherTypeARP:
		err = decodeARP(u, p)
	case etherTypeVLAN, etherTypeQinQ:
		err = decodeVLAN(u, p, st)
	default:
		err = errUnknownProtocol
	}
	if err != nil && u.Remaining() > 0 {
		outer.setData(u.Rest())
	}
}
