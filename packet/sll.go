// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"
	"net"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// SLL is a Linux cooked capture v1 header (DLT 113).
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|         packet type           |        ARPHRD_ type           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	| link-layer address length     |  link-layer address (8 bytes) |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|        protocol type          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type SLL struct {
	PacketType uint16
	HAType     uint16
	HALen      uint16
	Addr       net.HardwareAddr
	Proto      uint16
	rawData
}

// Kind implements Layer.
func (s *SLL) Kind() Kind { return KindSLL }

// Field implements Layer.
func (s *SLL) Field(name string) (interface{}, bool) {
	switch name {
	case "pkttype":
		return s.PacketType, true
	case "hatype":
		return s.HAType, true
	case "halen":
		return s.HALen, true
	case "addr":
		return s.Addr.String(), true
	case "proto":
		return s.Proto, true
	}
	return s.dataField(name)
}

func (s *SLL) String() string {
	return fmt.Sprintf("sll type=%d proto=%#04x", s.PacketType, s.Proto)
}

func decodeSLL(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(16)
	if err != nil {
		return err
	}
	s := &SLL{
		PacketType: uint16(b[0])<<8 | uint16(b[1]),
		HAType:     uint16(b[2])<<8 | uint16(b[3]),
		HALen:      uint16(b[4])<<8 | uint16(b[5]),
		Proto:      uint16(b[14])<<8 | uint16(b[15]),
	}
	n := int(s.HALen)
	if n > 8 {
		n = 8
	}
	s.Addr = net.HardwareAddr(append([]byte(nil), b[6:6+n]...))
	if err := p.add(s); err != nil {
		return err
	}
	decodeEtherType(s.Proto, u, p, st, s)
	return nil
}

// SLL2 is a Linux cooked capture v2 header (DLT 276).
type SLL2 struct {
	Proto      uint16
	IfIndex    uint32
	HAType     uint16
	PacketType uint8
	HALen      uint8
	Addr       net.HardwareAddr
	rawData
}

// Kind implements Layer.
func (s *SLL2) Kind() Kind { return KindSLL2 }

// Field implements Layer.
func (s *SLL2) Field(name string) (interface{}, bool) {
	switch name {
	case "proto":
		return s.Proto, true
	case "ifindex":
		return s.IfIndex, true
	case "hatype":
		return s.HAType, true
	case "pkttype":
		return s.PacketType, true
	case "halen":
		return s.HALen, true
	case "addr":
		return s.Addr.String(), true
	}
	return s.dataField(name)
}

func (s *SLL2) String() string {
	return fmt.Sprintf("sll2 type=%d proto=%#04x", s.PacketType, s.Proto)
}

func decodeSLL2(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(20)
	if err != nil {
		return err
	}
	s := &SLL2{
		Proto:      uint16(b[0])<<8 | uint16(b[1]),
		IfIndex:    uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		HAType:     uint16(b[8])<<8 | uint16(b[9]),
		PacketType: b[10],
		HALen:      b[11],
	}
	n := int(s.HALen)
	if n > 8 {
		n = 8
	}
	s.Addr = net.HardwareAddr(append([]byte(nil), b[12:12+n]...))
	if err := p.add(s); err != nil {
		return err
	}
	decodeEtherType(s.Proto, u, p, st, s)
	return nil
}
