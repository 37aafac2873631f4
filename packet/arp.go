// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"
	"net"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// ARP operations.
const (
	arpOpRequest = 1
	arpOpReply   = 2
)

// ARP is an address resolution header for Ethernet/IPv4.
type ARP struct {
	HType uint16
	PType uint16
	HLen  uint8
	PLen  uint8
	Oper  uint16
	SHA   net.HardwareAddr
	SPA   net.IP
	THA   net.HardwareAddr
	TPA   net.IP
	rawData
}

// Kind implements Layer.
func (a *ARP) Kind() Kind { return KindARP }

// Field implements Layer.
func (a *ARP) Field(name string) (interface{}, bool) {
	switch name {
	case "htype":
		return a.HType, true
	case "ptype":
		return a.PType, true
	case "oper", "op":
		return a.Oper, true
	case "sha":
		return a.SHA.String(), true
	case "spa":
		return a.SPA.String(), true
	case "tha":
		return a.THA.String(), true
	case "tpa":
		return a.TPA.String(), true
	}
	return a.dataField(name)
}

func (a *ARP) String() string {
	if a.Oper == arpOpRequest {
		return fmt.Sprintf("arp who-has %s tell %s", a.TPA, a.SPA)
	}
	return fmt.Sprintf("arp %s is-at %s", a.SPA, a.SHA)
}

func decodeARP(u *unpack.Unpacker, p *Pkt) error {
	b, err := u.Read(8)
	if err != nil {
		return err
	}
	a := &ARP{
		HType: uint16(b[0])<<8 | uint16(b[1]),
		PType: uint16(b[2])<<8 | uint16(b[3]),
		HLen:  b[4],
		PLen:  b[5],
		Oper:  uint16(b[6])<<8 | uint16(b[7]),
	}
	addrs, err := u.Read(2 * (int(a.HLen) + int(a.PLen)))
	if err != nil {
		return err
	}
	hl, pl := int(a.HLen), int(a.PLen)
	a.SHA = net.HardwareAddr(append([]byte(nil), addrs[:hl]...))
	a.SPA = net.IP(append([]byte(nil), addrs[hl:hl+pl]...))
	a.THA = net.HardwareAddr(append([]byte(nil), addrs[hl+pl:hl+pl+hl]...))
	a.TPA = net.IP(append([]byte(nil), addrs[hl+pl+hl:]...))
	return p.add(a)
}
