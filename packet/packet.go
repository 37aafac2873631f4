// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package packet

import (
	"errors"
	"fmt"
	"strings"
)

var errDuplicateLayer = errors.New("packet: duplicate layer")

// Pkt is one decoded packet: an insertion-ordered stack of layers plus
// a name index for constant-time lookup. Stacked VLAN tags get ordinal
// names ("vlan1", "vlan2", ...) with "vlan" aliasing the innermost tag.
type Pkt struct {
	layers []Layer
	byName map[string]Layer
	vlans  int
}

// NewPkt returns a packet holding only its frame record layer.
func NewPkt(rec *RecordLayer) *Pkt {
	p := &Pkt{byName: make(map[string]Layer, 8)}
	p.add(rec)
	return p
}

func (p *Pkt) add(l Layer) error {
	name := l.Kind().Name()
	if l.Kind() == KindVLAN {
		p.vlans++
		p.byName[fmt.Sprintf("vlan%d", p.vlans)] = l
		p.byName["vlan"] = l // innermost wins
		p.layers = append(p.layers, l)
		return nil
	}
	if _, dup := p.byName[name]; dup {
		return fmt.Errorf("%w: %s", errDuplicateLayer, name)
	}
	p.byName[name] = l
	p.layers = append(p.layers, l)
	return nil
}

// Layer returns the layer with the given name, or nil. Lookup is
// case-insensitive.
func (p *Pkt) Layer(name string) Layer {
	if l, ok := p.byName[name]; ok {
		return l
	}
	return p.byName[strings.ToLower(name)]
}

// Has reports whether a layer with the given name is present.
func (p *Pkt) Has(name string) bool { return p.Layer(name) != nil }

// Layers returns the decoded layers in attachment order. The returned
// slice is the packet's own; callers must not mutate it.
func (p *Pkt) Layers() []Layer { return p.layers }

// Record returns the frame record layer.
func (p *Pkt) Record() *RecordLayer {
	l, _ := p.byName["record"].(*RecordLayer)
	return l
}

// Field resolves a dotted path whose first component is a layer name,
// e.g. "tcp.flags.ACK".
func (p *Pkt) Field(path string) (interface{}, bool) {
	head, rest := splitField(path)
	l := p.Layer(head)
	if l == nil {
		return nil, false
	}
	if rest == "" {
		return true, true // bare layer reference is a presence test
	}
	return l.Field(rest)
}

// String renders a one-line summary: every decoded layer, record header
// first, in the order the layers were attached.
func (p *Pkt) String() string {
	parts := make([]string, 0, len(p.layers))
	for _, l := range p.layers {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, " ")
}

// cloneForCarve duplicates the packet's layer stack for an additional
// message carved from the same capture record. The layers below the
// carved message are shared except the record layer, which is copied
// so each packet can carry its own cumulative index; copying stops at
// the first MPA, RPC-over-RDMA, RPC or NFS layer, which the carved
// message supplies for itself.
func (p *Pkt) cloneForCarve() *Pkt {
	c := &Pkt{byName: make(map[string]Layer, len(p.byName)), vlans: 0}
	for _, l := range p.layers {
		switch l.Kind() {
		case KindMPA, KindRPCoRDMA, KindRPC, KindNFS:
			return c
		}
		if rec, ok := l.(*RecordLayer); ok {
			cp := *rec
			c.add(&cp) //nolint:errcheck
			continue
		}
		c.add(l) //nolint:errcheck
	}
	return c
}
