// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// ERF record types carried in captures this engine understands.
const (
	erfTypeEthernet   = 2
	erfTypeInfiniband = 21

	erfExtHeaderBit = 0x80
)

// ERF is an Endace extensible record format header (DLT 197), used by
// hardware capture cards; InfiniBand traces commonly arrive this way.
type ERF struct {
	Timestamp uint64
	Type      uint8
	Flags     uint8
	RLen      uint16
	LCtr      uint16
	WLen      uint16
	rawData
}

// Kind implements Layer.
func (e *ERF) Kind() Kind { return KindERF }

// Field implements Layer.
func (e *ERF) Field(name string) (interface{}, bool) {
	switch name {
	case "timestamp":
		return e.Timestamp, true
	case "rtype", "type":
		return e.Type, true
	case "flags":
		return e.Flags, true
	case "rlen":
		return e.RLen, true
	case "lctr":
		return e.LCtr, true
	case "wlen":
		return e.WLen, true
	}
	return e.dataField(name)
}

func (e *ERF) String() string {
	return fmt.Sprintf("erf type=%d wlen=%d", e.Type&^erfExtHeaderBit, e.WLen)
}

func decodeERF(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(16)
	if err != nil {
		return err
	}
	// The ERF timestamp is little-endian regardless of capture order.
	ts := uint64(0)
	for i := 7; i >= 0; i-- {
		ts = ts<<8 | uint64(b[i])
	}
	e := &ERF{
		Timestamp: ts,
		Type:      b[8],
		Flags:     b[9],
		RLen:      uint16(b[10])<<8 | uint16(b[11]),
		LCtr:      uint16(b[12])<<8 | uint16(b[13]),
		WLen:      uint16(b[14])<<8 | uint16(b[15]),
	}
	if err := p.add(e); err != nil {
		return err
	}
	// Skip extension headers; bit 7 of the last consumed type byte
	// marks another 8-byte extension.
	ext := e.Type
	for ext&erfExtHeaderBit != 0 {
		h, err := u.Read(8)
		if err != nil {
			return nil // header only, payload lost to truncation
		}
		ext = h[0]
	}
	switch e.Type &^ erfExtHeaderBit {
	case erfTypeEthernet:
		// Two pad bytes precede the Ethernet frame.
		if _, err := u.Read(2); err != nil {
			return nil
		}
		if err := decodeEthernet(u, p, st); err != nil && u.Remaining() > 0 {
			e.setData(u.Rest())
		}
	case erfTypeInfiniband:
		if err := decodeIBLocal(u, p, st); err != nil && u.Remaining() > 0 {
			e.setData(u.Rest())
		}
	default:
		e.setData(u.Rest())
	}
	return nil
}
