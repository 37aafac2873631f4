// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"
	"net"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// IPv6 is the 40-byte fixed IPv6 header. Extension headers are not
// decoded; a next-header value other than TCP or UDP keeps the payload
// opaque.
type IPv6 struct {
	Version      uint8
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          net.IP
	Dst          net.IP
	rawData
}

// Kind implements Layer.
func (ip *IPv6) Kind() Kind { return KindIPv6 }

// Field implements Layer.
func (ip *IPv6) Field(name string) (interface{}, bool) {
	switch name {
	case "version":
		return ip.Version, true
	case "src":
		return ip.Src.String(), true
	case "dst":
		return ip.Dst.String(), true
	case "traffic_class":
		return ip.TrafficClass, true
	case "flow_label":
		return ip.FlowLabel, true
	case "payload_size", "payload_len":
		return ip.PayloadLen, true
	case "protocol", "next_header":
		return ip.NextHeader, true
	case "hop_limit", "ttl":
		return ip.HopLimit, true
	}
	return ip.dataField(name)
}

func (ip *IPv6) String() string {
	return fmt.Sprintf("%s -> %s", ip.Src, ip.Dst)
}

func decodeIPv6(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(40)
	if err != nil {
		return err
	}
	ip := &IPv6{
		Version:      b[0] >> 4,
		TrafficClass: b[0]<<4 | b[1]>>4,
		FlowLabel:    uint32(b[1]&0x0F)<<16 | uint32(b[2])<<8 | uint32(b[3]),
		PayloadLen:   uint16(b[4])<<8 | uint16(b[5]),
		NextHeader:   b[6],
		HopLimit:     b[7],
		Src:          net.IP(append([]byte(nil), b[8:24]...)),
		Dst:          net.IP(append([]byte(nil), b[24:40]...)),
	}
	if ip.Version != 6 {
		return errBadVersion
	}
	if err := p.add(ip); err != nil {
		return err
	}
	decodeIPProto(ip.NextHeader, u, p, st, ip)
	return nil
}
