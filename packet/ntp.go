// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// NTP is an NTPv3/v4 header.
type NTP struct {
	LI        uint8
	Version   uint8
	Mode      uint8
	Stratum   uint8
	Poll      int8
	Precision int8
	RootDelay uint32
	RootDisp  uint32
	RefID     uint32
	RefTime   uint64
	OrigTime  uint64
	RecvTime  uint64
	XmitTime  uint64
	rawData
}

// Kind implements Layer.
func (n *NTP) Kind() Kind { return KindNTP }

// Field implements Layer.
func (n *NTP) Field(name string) (interface{}, bool) {
	switch name {
	case "li":
		return n.LI, true
	case "version":
		return n.Version, true
	case "mode":
		return n.Mode, true
	case "stratum":
		return n.Stratum, true
	case "refid":
		return n.RefID, true
	case "xmit_time":
		return n.XmitTime, true
	}
	return n.dataField(name)
}

func (n *NTP) String() string {
	return fmt.Sprintf("ntp v%d mode=%d", n.Version, n.Mode)
}

func decodeNTP(u *unpack.Unpacker, p *Pkt) error {
	b, err := u.Read(48)
	if err != nil {
		return err
	}
	n := &NTP{
		LI:        b[0] >> 6,
		Version:   b[0] >> 3 & 0x07,
		Mode:      b[0] & 0x07,
		Stratum:   b[1],
		Poll:      int8(b[2]),
		Precision: int8(b[3]),
	}
	be := func(p []byte) uint32 {
		return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
	}
	be64 := func(p []byte) uint64 {
		return uint64(be(p))<<32 | uint64(be(p[4:]))
	}
	n.RootDelay = be(b[4:8])
	n.RootDisp = be(b[8:12])
	n.RefID = be(b[12:16])
	n.RefTime = be64(b[16:24])
	n.OrigTime = be64(b[24:32])
	n.RecvTime = be64(b[32:40])
	n.XmitTime = be64(b[40:48])
	if err := p.add(n); err != nil {
		return err
	}
	if u.Remaining() > 0 {
		n.setData(u.Rest())
	}
	return nil
}
