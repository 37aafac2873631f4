// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// TCP flag bits.
const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
	tcpFlagURG = 0x20
)

// iWARP NFS-over-RDMA runs MPA framing on this TCP port.
const portIWARP = 20049

// Limits on buffered stream state.
const (
	maxPendingSegments = 256
	maxRecordFragment  = 16 << 20
)

// TCP is a TCP header. Payload bytes feed the per-connection stream,
// which carves RPC record-marked messages (or MPA FPDUs for iWARP
// connections) once they are complete.
type TCP struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	DataOff uint8
	Flags   uint8
	Window  uint16
	Options []byte
	rawData
}

// Kind implements Layer.
func (t *TCP) Kind() Kind { return KindTCP }

// Field implements Layer.
func (t *TCP) Field(name string) (interface{}, bool) {
	head, rest := splitField(name)
	switch head {
	case "src_port", "sport":
		return t.SrcPort, true
	case "dst_port", "dport":
		return t.DstPort, true
	case "seq_number", "seq":
		return t.Seq, true
	case "ack_number", "ack":
		return t.Ack, true
	case "window_size", "window":
		return t.Window, true
	case "flags":
		if rest == "" {
			return t.Flags, true
		}
		bit, ok := map[string]uint8{
			"FIN": tcpFlagFIN, "SYN": tcpFlagSYN, "RST": tcpFlagRST,
			"PSH": tcpFlagPSH, "ACK": tcpFlagACK, "URG": tcpFlagURG,
		}[rest]
		if !ok {
			return nil, false
		}
		if t.Flags&bit != 0 {
			return 1, true
		}
		return 0, true
	}
	return t.dataField(name)
}

func (t *TCP) String() string {
	return fmt.Sprintf("tcp %d -> %d seq=%d", t.SrcPort, t.DstPort, t.Seq)
}

// streamKey identifies one direction of a TCP connection. The reverse
// tuple is a distinct key.
type streamKey struct {
	src   string
	dst   string
	sport uint16
	dport uint16
}

// tcpStream reassembles one direction of a connection into ordered
// bytes and carves complete messages out of them.
type tcpStream struct {
	nextSeq uint32
	started bool
	iwarp   bool
	mpaBad  bool // markers negotiated; stream left opaque
	buf     []byte            // contiguous bytes not yet carved
	pending map[uint32][]byte // out-of-order segments ahead of nextSeq
	frag    []byte            // RPC fragments accumulated until the last-fragment flag
}

// push delivers a TCP segment. Retransmissions are dropped silently;
// segments ahead of the expected sequence are buffered until the gap
// fills.
func (s *tcpStream) push(seq uint32, data []byte, log *zap.Logger) {
	if len(data) == 0 {
		return
	}
	if !s.started {
		s.nextSeq = seq
		s.started = true
	}
	for {
		switch {
		case seq == s.nextSeq:
			s.buf = append(s.buf, data...)
			s.nextSeq += uint32(len(data))
		case seqBefore(seq, s.nextSeq):
			// Retransmission, possibly with new bytes at the tail.
			if skip := s.nextSeq - seq; skip < uint32(len(data)) {
				s.buf = append(s.buf, data[skip:]...)
				s.nextSeq += uint32(len(data)) - skip
			}
		default:
			if len(s.pending) >= maxPendingSegments {
				log.Warn("tcp reassembly buffer full, dropping segment",
					zap.Uint32("seq", seq), zap.Int("len", len(data)))
				return
			}
			s.pending[seq] = append([]byte(nil), data...)
			return
		}
		next, ok := s.pending[s.nextSeq]
		if !ok {
			return
		}
		delete(s.pending, s.nextSeq)
		seq, data = s.nextSeq, next
	}
}

// carveRPC removes complete record-marked RPC messages from the head
// of the stream. One message may span several record fragments;
// concatenation continues until a fragment with the last-fragment
// flag.
func (s *tcpStream) carveRPC(log *zap.Logger) [][]byte {
	var msgs [][]byte
	for len(s.buf) >= 4 {
		marker := uint32(s.buf[0])<<24 | uint32(s.buf[1])<<16 | uint32(s.buf[2])<<8 | uint32(s.buf[3])
		last := marker&0x80000000 != 0
		size := int(marker & 0x7FFFFFFF)
		if size == 0 || size > maxRecordFragment {
			log.Warn("implausible rpc record marker, dropping stream buffer",
				zap.Uint32("marker", marker))
			s.buf = nil
			s.frag = nil
			break
		}
		if len(s.buf) < 4+size {
			break
		}
		s.frag = append(s.frag, s.buf[4:4+size]...)
		s.buf = s.buf[4+size:]
		if last {
			msgs = append(msgs, s.frag)
			s.frag = nil
		}
	}
	return msgs
}

func seqBefore(a, b uint32) bool { return int32(a-b) < 0 }

func decodeTCP(u *unpack.Unpacker, p *Pkt, st *State) error {
	b, err := u.Read(20)
	if err != nil {
		return err
	}
	t := &TCP{
		SrcPort: uint16(b[0])<<8 | uint16(b[1]),
		DstPort: uint16(b[2])<<8 | uint16(b[3]),
		Seq:     uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		Ack:     uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11]),
		DataOff: b[12] >> 4,
		Flags:   b[13],
		Window:  uint16(b[14])<<8 | uint16(b[15]),
	}
	if t.DataOff < 5 {
		return errTruncated
	}
	if opts := int(t.DataOff)*4 - 20; opts > 0 {
		ob, err := u.Read(opts)
		if err != nil {
			return err
		}
		t.Options = append([]byte(nil), ob...)
	}
	if err := p.add(t); err != nil {
		return err
	}

	payload := u.Rest()
	if len(payload) == 0 {
		return nil
	}

	key := p.streamKey(t)
	s := st.tcp[key]
	if s == nil {
		s = &tcpStream{
			pending: make(map[uint32][]byte),
			iwarp:   t.SrcPort == portIWARP || t.DstPort == portIWARP,
		}
		st.tcp[key] = s
	}
	s.push(t.Seq, payload, st.log)

	if s.iwarp {
		if s.mpaBad {
			// Markers negotiated: the stream is not decoded further
			// and the segment's bytes stay opaque on the TCP layer.
			s.buf = nil
			t.setData(payload)
			return nil
		}
		decodeMPAStream(s, p, st)
		return nil
	}

	msgs := s.carveRPC(st.log)
	if len(msgs) == 0 {
		// Nothing completed on this segment; keep the raw payload
		// reachable on the layer.
		t.setData(payload)
		return nil
	}
	for i, msg := range msgs {
		target := p
		if i > 0 {
			target = p.cloneForCarve()
			target.Record().Index = p.Record().Index + len(st.extra) + 1
			st.extra = append(st.extra, target)
		}
		mu := unpack.New(msg)
		if err := decodeRPC(mu, target, st, true); err != nil && mu.Remaining() > 0 {
			t.setData(mu.Rest())
		}
	}
	return nil
}

// streamKey builds the connection key from the packet's IP layer and
// the TCP ports.
func (p *Pkt) streamKey(t *TCP) streamKey {
	var src, dst string
	switch ip := p.Layer("ip").(type) {
	case *IPv4:
		src, dst = ip.Src.String(), ip.Dst.String()
	case *IPv6:
		src, dst = ip.Src.String(), ip.Dst.String()
	}
	return streamKey{src: src, dst: dst, sport: t.SrcPort, dport: t.DstPort}
}
