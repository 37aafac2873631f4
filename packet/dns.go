// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"fmt"
	"io"

	"github.com/nfstrace/nfstrace/internal/unpack"
)

// DNS is a DNS message header. Question and record bodies stay in
// Data; the engine only needs the header for matching.
type DNS struct {
	ID      uint16
	QR      uint8
	Opcode  uint8
	Rcode   uint8
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
	rawData
}

// Kind implements Layer.
func (d *DNS) Kind() Kind { return KindDNS }

// Field implements Layer.
func (d *DNS) Field(name string) (interface{}, bool) {
	switch name {
	case "id":
		return d.ID, true
	case "qr":
		return d.QR, true
	case "opcode":
		return d.Opcode, true
	case "rcode":
		return d.Rcode, true
	case "qdcount":
		return d.QDCount, true
	case "ancount":
		return d.ANCount, true
	case "nscount":
		return d.NSCount, true
	case "arcount":
		return d.ARCount, true
	}
	return d.dataField(name)
}

func (d *DNS) String() string {
	kind := "query"
	if d.QR == 1 {
		kind = "response"
	}
	return fmt.Sprintf("dns %s id=%d", kind, d.ID)
}

func decodeDNS(u *unpack.Unpacker, p *Pkt) error {
	entry := u.Tell()
	b, err := u.Read(12)
	if err != nil {
		return err
	}
	d := &DNS{
		ID:      uint16(b[0])<<8 | uint16(b[1]),
		QR:      b[2] >> 7,
		Opcode:  b[2] >> 3 & 0x0F,
		Rcode:   b[3] & 0x0F,
		QDCount: uint16(b[4])<<8 | uint16(b[5]),
		ANCount: uint16(b[6])<<8 | uint16(b[7]),
		NSCount: uint16(b[8])<<8 | uint16(b[9]),
		ARCount: uint16(b[10])<<8 | uint16(b[11]),
	}
	if err := p.add(d); err != nil {
		u.Seek(int64(entry), io.SeekStart) //nolint:errcheck
		return err
	}
	d.setData(u.Rest())
	return nil
}
