// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

const (
	ddpFlagTagged = 0x80
	ddpFlagLast   = 0x40

	// DDP untagged queues (RFC 5040 §5).
	ddpQueueSend        = 0
	ddpQueueReadRequest = 1
	ddpQueueTerminate   = 2
)

// DDP is a direct data placement header: tagged messages place bytes
// by STag and tagged offset, untagged messages queue by (QN, MSN) with
// a message offset.
type DDP struct {
	Tagged  bool
	Last    bool
	Version uint8
	RsvdULP uint8 // carries the RDMAP control byte

	// Tagged variant.
	STag   uint32
	Offset uint64

	// Untagged variant.
	Queue     uint32
	MSN       uint32
	MsgOffset uint32

	rawData
}

// Kind implements Layer.
func (d *DDP) Kind() Kind { return KindDDP }

// Field implements Layer.
func (d *DDP) Field(name string) (interface{}, bool) {
	switch name {
	case "tagged":
		return d.Tagged, true
	case "last":
		return d.Last, true
	case "version":
		return d.Version, true
	case "stag":
		return d.STag, true
	case "offset", "to":
		return d.Offset, true
	case "queue", "qn":
		return d.Queue, true
	case "msn":
		return d.MSN, true
	case "mo":
		return d.MsgOffset, true
	}
	return d.dataField(name)
}

func (d *DDP) String() string {
	if d.Tagged {
		return fmt.Sprintf("ddp tagged stag=%#x to=%d", d.STag, d.Offset)
	}
	return fmt.Sprintf("ddp qn=%d msn=%d mo=%d", d.Queue, d.MSN, d.MsgOffset)
}

func decodeDDP(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(14)
	if err != nil {
		return err
	}
	d := &DDP{
		Tagged:  b[0]&ddpFlagTagged != 0,
		Last:    b[0]&ddpFlagLast != 0,
		Version: b[0] & 0x03,
		RsvdULP: b[1],
	}
	if d.Tagged {
		d.STag = beU32(b[2:6])
		d.Offset = uint64(beU32(b[6:10]))<<32 | uint64(beU32(b[10:14]))
	} else {
		d.Queue = beU32(b[2:6])
		d.MSN = beU32(b[6:10])
		d.MsgOffset = beU32(b[10:14])
	}
	if err := p.add(d); err != nil {
		return err
	}
	return decodeRDMAP(u, p, st, d)
}
