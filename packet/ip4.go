// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"
	"net"
	"sort"

	"go.uber.org/zap"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// IP protocol numbers dispatched by the network layers.
const (
	ipProtoTCP = 6
	ipProtoUDP = 17
)

const (
	ip4FlagMF         = 0x1
	ip4FlagDF         = 0x2
	ip4MaxDatagram    = 65535
	ip4FragmentOffMul = 8
)

// IPv4 is an IPv4 header. Fragmented datagrams attach the header only;
// the payload accumulates in the fragment table until the datagram
// completes, and the completing frame carries the upper layers.
type IPv4 struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	TotalLen   uint16
	ID         uint16
	Flags      uint8
	FragOff    uint16 // byte offset, already multiplied by 8
	TTL        uint8
	Protocol   uint8
	Checksum   uint16
	Src        net.IP
	Dst        net.IP
	Options    []byte
	Fragmented bool
	rawData
}

// Kind implements Layer.
func (ip *IPv4) Kind() Kind { return KindIPv4 }

// Field implements Layer.
func (ip *IPv4) Field(name string) (interface{}, bool) {
	head, rest := splitField(name)
	switch head {
	case "version":
		return ip.Version, true
	case "src":
		return ip.Src.String(), true
	case "dst":
		return ip.Dst.String(), true
	case "ttl":
		return ip.TTL, true
	case "protocol", "proto":
		return ip.Protocol, true
	case "id":
		return ip.ID, true
	case "total_size", "total_len":
		return ip.TotalLen, true
	case "fragment_offset":
		return ip.FragOff, true
	case "flags":
		switch rest {
		case "":
			return ip.Flags, true
		case "MF", "mf":
			return ip.Flags & ip4FlagMF, true
		case "DF", "df":
			return ip.Flags >> 1 & 1, true
		}
	}
	return ip.dataField(name)
}

func (ip *IPv4) String() string {
	return fmt.Sprintf("%s -> %s", ip.Src, ip.Dst)
}

// fragKey identifies one in-flight fragmented datagram.
type fragKey struct {
	src   [4]byte
	dst   [4]byte
	proto uint8
	id    uint16
}

// fragEntry accumulates offset-indexed fragment payloads until the
// MF=0 fragment has been seen and the byte range is gapless. Arrival
// order does not matter; a trailing-fragment-first datagram assembles
// the same way.
type fragEntry struct {
	frags    map[uint16][]byte
	total    int // payload length: end of the MF=0 fragment, 0 until it arrives
	sawFinal bool
}

func (e *fragEntry) add(off uint16, data []byte, final bool) {
	if _, dup := e.frags[off]; dup {
		return
	}
	e.frags[off] = data
	if final {
		e.sawFinal = true
		e.total = int(off) + len(data)
	}
}

// assemble returns the reassembled payload, or nil while incomplete.
func (e *fragEntry) assemble() []byte {
	if !e.sawFinal {
		return nil
	}
	offs := make([]int, 0, len(e.frags))
	for off := range e.frags {
		offs = append(offs, int(off))
	}
	sort.Ints(offs)
	out := make([]byte, 0, e.total)
	for _, off := range offs {
		if off != len(out) {
			return nil // gap, keep waiting
		}
		out = append(out, e.frags[uint16(off)]...)
	}
	if len(out) != e.total {
		return nil
	}
	return out
}

func decodeIPv4(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(20)
	if err != nil {
		return err
	}
	ip := &IPv4{
		Version:  b[0] >> 4,
		IHL:      b[0] & 0x0F,
		TOS:      b[1],
		TotalLen: uint16(b[2])<<8 | uint16(b[3]),
		ID:       uint16(b[4])<<8 | uint16(b[5]),
		Flags:    b[6] >> 5,
		FragOff:  (uint16(b[6]&0x1F)<<8 | uint16(b[7])) * ip4FragmentOffMul,
		TTL:      b[8],
		Protocol: b[9],
		Checksum: uint16(b[10])<<8 | uint16(b[11]),
		Src:      net.IP(append([]byte(nil), b[12:16]...)),
		Dst:      net.IP(append([]byte(nil), b[16:20]...)),
	}
	if ip.Version != 4 || ip.IHL < 5 {
		return errBadVersion
	}
	if opts := int(ip.IHL)*4 - 20; opts > 0 {
		ob, err := u.Read(opts)
		if err != nil {
			return err
		}
		ip.Options = append([]byte(nil), ob...)
	}
	if err := p.add(ip); err != nil {
		return err
	}

	// Ignore Ethernet padding past the declared datagram length.
	payloadLen := int(ip.TotalLen) - int(ip.IHL)*4
	if payloadLen < 0 || payloadLen > u.Remaining() {
		payloadLen = u.Remaining()
	}

	if ip.Flags&ip4FlagMF != 0 || ip.FragOff > 0 {
		ip.Fragmented = true
		frag, err := u.Read(payloadLen)
		if err != nil {
			return err
		}
		key := fragKey{proto: ip.Protocol, id: ip.ID}
		copy(key.src[:], ip.Src.To4())
		copy(key.dst[:], ip.Dst.To4())
		e := st.ipFrag[key]
		if e == nil {
			e = &fragEntry{frags: make(map[uint16][]byte)}
			st.ipFrag[key] = e
		}
		e.add(ip.FragOff, append([]byte(nil), frag...), ip.Flags&ip4FlagMF == 0)
		whole := e.assemble()
		if whole == nil {
			return nil
		}
		if len(whole) > ip4MaxDatagram {
			st.log.Warn("oversized reassembled datagram dropped", zap.Int("size", len(whole)))
			delete(st.ipFrag, key)
			return nil
		}
		delete(st.ipFrag, key)
		// Decode the upper layers from the reassembled datagram on
		// the frame that completed it.
		ru := unpack.New(whole)
		decodeIPProto(ip.Protocol, ru, p, st, ip)
		return nil
	}

	decodeIPProto(ip.Protocol, u, p, st, ip)
	return nil
}

func decodeIPProto(proto uint8, u *unpack.Unpacker, p *Pkt, st *State, outer dataCarrier) {
	var err error
	switch proto {
	case ipProtoTCP:
		err = decodeTCP(u, p, st)
	case ipProtoUDP:
		err = decodeUDP(u, p, st)
	default:
		err = errUnknownProtocol
	}
	if err != nil && u.Remaining() > 0 {
		outer.setData(u.Rest())
	}
}
