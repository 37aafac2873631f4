// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

// Package packet decodes capture records into a stack of protocol
// layers: link, network, transport and application. It owns the TCP
// stream table, the IPv4 fragment table and the RDMA reassembly engine
// that the decoders feed.
package packet

import "strings"

// Kind identifies a layer variant.
type Kind int

// Layer kinds, in rough stacking order.
const (
	KindRecord Kind = iota
	KindEthernet
	KindVLAN
	KindSLL
	KindSLL2
	KindERF
	KindARP
	KindIPv4
	KindIPv6
	KindTCP
	KindUDP
	KindDNS
	KindNTP
	KindIB
	KindMPA
	KindDDP
	KindRDMAP
	KindRPC
	KindRPCoRDMA
	KindNFS
)

var kindNames = map[Kind]string{
	KindRecord:   "record",
	KindEthernet: "ethernet",
	KindVLAN:     "vlan",
	KindSLL:      "sll",
	KindSLL2:     "sll2",
	KindERF:      "erf",
	KindARP:      "arp",
	KindIPv4:     "ip",
	KindIPv6:     "ip",
	KindTCP:      "tcp",
	KindUDP:      "udp",
	KindDNS:      "dns",
	KindNTP:      "ntp",
	KindIB:       "ib",
	KindMPA:      "mpa",
	KindDDP:      "ddp",
	KindRDMAP:    "rdmap",
	KindRPC:      "rpc",
	KindRPCoRDMA: "rpcordma",
	KindNFS:      "nfs",
}

// Name returns the canonical lowercase layer name used for packet
// lookup and in match expressions.
func (k Kind) Name() string { return kindNames[k] }

// Layer is one decoded protocol layer. Field resolves a dotted field
// path within the layer ("flags.ACK"); it returns false for unknown
// fields so the matcher can treat them as non-matches.
type Layer interface {
	Kind() Kind
	Field(name string) (interface{}, bool)
	String() string
}

// NFSLayer is the surface an external NFS decoder must present for the
// matcher's any-operation semantics over v4 compounds. Compound-wide
// attributes resolve through Field; per-operation attributes resolve
// through OpField for each operation index.
type NFSLayer interface {
	Layer
	Ops() int
	OpField(i int, name string) (interface{}, bool)
}

// rawData is embedded by layers that can carry an opaque payload the
// decoder did not delegate.
type rawData struct {
	Data []byte
}

func (r *rawData) setData(b []byte) { r.Data = b }

func (r *rawData) dataField(name string) (interface{}, bool) {
	if name == "data" {
		return string(r.Data), true
	}
	return nil, false
}

type dataCarrier interface {
	setData([]byte)
}

// splitField pops the first component of a dotted field path.
func splitField(name string) (string, string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}
