// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// VLAN is one 802.1Q tag. Stacked tags each decode to their own layer;
// the packet names them vlan1, vlan2, ... with "vlan" aliasing the
// innermost.
type VLAN struct {
	PCP  uint8
	DEI  uint8
	VID  uint16
	Type uint16
	rawData
}

// Kind implements Layer.
func (v *VLAN) Kind() Kind { return KindVLAN }

// Field implements Layer.
func (v *VLAN) Field(name string) (interface{}, bool) {
	switch name {
	case "pcp":
		return v.PCP, true
	case "dei":
		return v.DEI, true
	case "vid", "id":
		return v.VID, true
	case "type":
		return v.Type, true
	}
	return v.dataField(name)
}

func (v *VLAN) String() string {
	return fmt.Sprintf("vlan %d", v.VID)
}

func decodeVLAN(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(4)
	if err != nil {
		return err
	}
	tci := uint16(b[0])<<8 | uint16(b[1])
	v := &VLAN{
		PCP:  uint8(tci >> 13),
		DEI:  uint8(tci >> 12 & 1),
		VID:  tci & 0x0FFF,
		Type: uint16(b[2])<<8 | uint16(b[3]),
	}
	p.add(v) //nolint:errcheck // vlan layers never collide, they get ordinals
	decodeEtherType(v.Type, u, p, st, v)
	return nil
}
