// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"bytes"
	"fmt"
	"hash/crc32"

	"go.uber.org/zap"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// MPA connection-setup keys (RFC 5044).
var (
	mpaReqKey = []byte("MPA ID Req Frame")
	mpaRepKey = []byte("MPA ID Rep Frame")
)

// MPA frame modes.
const (
	mpaModeRequest = iota
	mpaModeReply
	mpaModeFPDU
)

const (
	mpaFlagMarkers = 0x80
	mpaFlagCRC     = 0x40
	mpaFlagReject  = 0x20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MPA is one Marker PDU Aligned frame: either a connection-setup
// request/reply or an FPDU delimiting a DDP segment on the TCP stream.
type MPA struct {
	Mode     int
	Markers  bool
	CRCUsed  bool
	Reject   bool
	Rev      uint8
	PDLength uint16
	ULPDULen uint16
	CRC      uint32
	rawData
}

// Kind implements Layer.
func (m *MPA) Kind() Kind { return KindMPA }

// Field implements Layer.
func (m *MPA) Field(name string) (interface{}, bool) {
	switch name {
	case "mode":
		return m.Mode, true
	case "markers":
		return m.Markers, true
	case "crc":
		return m.CRC, true
	case "rev":
		return m.Rev, true
	case "pd_length":
		return m.PDLength, true
	case "ulpdu_len", "psize":
		return m.ULPDULen, true
	}
	return m.dataField(name)
}

func (m *MPA) String() string {
	switch m.Mode {
	case mpaModeRequest:
		return "mpa request"
	case mpaModeReply:
		return "mpa reply"
	}
	return fmt.Sprintf("mpa len=%d", m.ULPDULen)
}

// decodeMPAStream carves MPA frames off the head of an iWARP TCP
// stream. Each carved FPDU decodes through DDP and RDMAP; additional
// FPDUs completed by the same segment become sibling packets of the
// frame.
func decodeMPAStream(s *tcpStream, p *Pkt, st *State) {
	for {
		if s.mpaBad {
			s.buf = nil
			return
		}
		if len(s.buf) < 2 {
			return
		}
		if len(s.buf) >= 16 &&
			(bytes.Equal(s.buf[:16], mpaReqKey) || bytes.Equal(s.buf[:16], mpaRepKey)) {
			if !carveMPASetup(s, p, st) {
				return
			}
			continue
		}

		ulpduLen := int(s.buf[0])<<8 | int(s.buf[1])
		if ulpduLen == 0 || ulpduLen > maxRecordFragment {
			st.log.Warn("implausible mpa frame length, dropping stream buffer",
				zap.Int("len", ulpduLen))
			s.buf = nil
			return
		}
		pad := (4 - (2+ulpduLen)%4) % 4
		total := 2 + ulpduLen + pad + 4
		if len(s.buf) < total {
			return
		}
		fpdu := s.buf[:total]
		s.buf = s.buf[total:]

		m := &MPA{Mode: mpaModeFPDU, ULPDULen: uint16(ulpduLen)}
		m.CRC = beU32(fpdu[total-4:])
		if m.CRC != 0 {
			m.CRCUsed = true
			if sum := crc32.Checksum(fpdu[:total-4], castagnoli); sum != m.CRC {
				st.log.Warn("mpa crc mismatch",
					zap.Uint32("got", m.CRC), zap.Uint32("want", sum))
			}
		}

		target := p
		if p.Has("mpa") {
			target = p.cloneForCarve()
			target.Record().Index = p.Record().Index + len(st.extra) + 1
			st.extra = append(st.extra, target)
		}
		if err := target.add(m); err != nil {
			return
		}
		du := unpack.New(fpdu[2 : 2+ulpduLen])
		if err := decodeDDP(du, target, st); err != nil && du.Remaining() > 0 {
			m.setData(du.Rest())
		}
	}
}

// carveMPASetup consumes one connection-setup frame, returning false
// when the stream does not yet hold the whole frame.
func carveMPASetup(s *tcpStream, p *Pkt, st *State) bool {
	if len(s.buf) < 20 {
		return false
	}
	flags := s.buf[16]
	pdLen := int(s.buf[18])<<8 | int(s.buf[19])
	if len(s.buf) < 20+pdLen {
		return false
	}
	m := &MPA{
		Markers:  flags&mpaFlagMarkers != 0,
		CRCUsed:  flags&mpaFlagCRC != 0,
		Reject:   flags&mpaFlagReject != 0,
		Rev:      s.buf[17],
		PDLength: uint16(pdLen),
	}
	if bytes.Equal(s.buf[:16], mpaReqKey) {
		m.Mode = mpaModeRequest
	} else {
		m.Mode = mpaModeReply
	}
	m.Data = append([]byte(nil), s.buf[20:20+pdLen]...)
	s.buf = s.buf[20+pdLen:]

	if m.Markers {
		// Marker insertion every 512 stream bytes is not supported;
		// refuse the connection rather than corrupt reassembly.
		st.log.Warn("mpa markers negotiated, iwarp stream left opaque")
		s.mpaBad = true
	}

	target := p
	if p.Has("mpa") {
		target = p.cloneForCarve()
		target.Record().Index = p.Record().Index + len(st.extra) + 1
		st.extra = append(st.extra, target)
	}
	target.add(m) //nolint:errcheck
	return true
}
