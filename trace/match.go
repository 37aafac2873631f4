// SPDX-FileCopyrightText: 2025 The nfstrace authors
// SPDX-License-Identifier: MIT

package trace

import (
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/Knetic/govaluate"
	pkgerrors "github.com/pkg/errors"

	"github.com/nfstrace/nfstrace/packet"
)

// layerNames are the identifiers the rewriter recognizes as layer
// references (case-insensitive). "vlan" also covers the ordinal
// aliases vlan1, vlan2, ...
var layerNames = map[string]bool{
	"record": true, "ethernet": true, "vlan": true, "sll": true,
	"sll2": true, "erf": true, "arp": true, "ip": true, "tcp": true,
	"udp": true, "dns": true, "ntp": true, "ib": true, "mpa": true,
	"ddp": true, "rdmap": true, "rpc": true, "rpcordma": true, "nfs": true,
}

// nfsCompoundFields are NFS attributes that belong to the compound as
// a whole; any other NFS field resolves per operation, and the
// predicate holds if any operation satisfies it.
var nfsCompoundFields = map[string]bool{
	"status": true, "tag": true, "minorversion": true,
}

// MatchOption adjusts one Match call.
type MatchOption func(*matchConfig)

type matchConfig struct {
	maxIndex int
	rewind   bool
	reply    bool
}

// MaxIndex stops the scan past the given cumulative index.
func MaxIndex(i int) MatchOption {
	return func(c *matchConfig) { c.maxIndex = i }
}

// NoRewind leaves the trace positioned at EOF (or maxindex) when no
// packet matches, instead of restoring the starting position.
func NoRewind() MatchOption {
	return func(c *matchConfig) { c.rewind = false }
}

// WithReply also returns any RPC reply whose XID pairs with a
// previously matched call.
func WithReply(on bool) MatchOption {
	return func(c *matchConfig) { c.reply = on }
}

// Match evaluates the predicate against packets from the current
// position and returns the first match, advancing past it. A nil
// packet with nil error means no match; unless NoRewind was given the
// trace is then back at the position the search began, so callers can
// use Match as a peek.
func (t *Trace) Match(expr string, opts ...MatchOption) (*packet.Pkt, error) {
	cfg := &matchConfig{maxIndex: -1, rewind: true, reply: t.rpcReplies}
	for _, opt := range opts {
		opt(cfg)
	}
	pred, err := compileExpr(expr)
	if err != nil {
		return nil, err
	}

	start := t.Index()
	for {
		if cfg.maxIndex >= 0 && t.Index() > cfg.maxIndex {
			break
		}
		p, err := t.Next()
		if err != nil {
			break
		}
		if cfg.reply {
			if rp := matchAwaitedReply(p, t.awaiting); rp != nil {
				return rp, nil
			}
		}
		if evalPredicate(pred, p) {
			if cfg.reply {
				if r, ok := p.Layer("rpc").(*packet.RPC); ok && r.Type == packet.RPCCall {
					t.awaiting[r.XID] = true
				}
			}
			return p, nil
		}
	}
	if cfg.rewind {
		if err := t.Rewind(start); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// matchAwaitedReply returns p when it is an in-flight RPC reply,
// closing out its XID.
func matchAwaitedReply(p *packet.Pkt, awaiting map[uint32]bool) *packet.Pkt {
	r, ok := p.Layer("rpc").(*packet.RPC)
	if !ok || r.Type != packet.RPCReply {
		return nil
	}
	if !awaiting[r.XID] {
		return nil
	}
	delete(awaiting, r.XID)
	return p
}

func compileExpr(expr string) (*govaluate.EvaluableExpression, error) {
	rewritten := rewriteExpr(expr)
	pred, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, matchFunctions)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "trace: bad match expression %q", expr)
	}
	return pred, nil
}

// evalPredicate runs the compiled predicate against one packet.
// Packets carrying an NFSv4 compound evaluate once per operation and
// match if any operation satisfies the predicate. Evaluation errors
// (absent layers, type clashes) count as no match.
func evalPredicate(pred *govaluate.EvaluableExpression, p *packet.Pkt) bool {
	if nfs, ok := p.Layer("nfs").(packet.NFSLayer); ok && nfs.Ops() > 0 {
		for i := 0; i < nfs.Ops(); i++ {
			if truthy(pred, pktParams{p: p, opIndex: i}) {
				return true
			}
		}
		return false
	}
	return truthy(pred, pktParams{p: p, opIndex: -1})
}

func truthy(pred *govaluate.EvaluableExpression, params govaluate.Parameters) bool {
	v, err := pred.Eval(params)
	if err != nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// pktParams resolves bracketed layer-field parameters against one
// packet, normalizing values for the expression evaluator.
type pktParams struct {
	p       *packet.Pkt
	opIndex int
}

// Get implements govaluate.Parameters.
func (pp pktParams) Get(name string) (interface{}, error) {
	head, rest := name, ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		head, rest = name[:i], name[i+1:]
	}
	if head == "nfs" && rest != "" && !nfsCompoundFields[rest] {
		nfs, ok := pp.p.Layer("nfs").(packet.NFSLayer)
		if !ok {
			return nil, fmt.Errorf("no nfs layer")
		}
		if pp.opIndex >= 0 {
			if v, ok := nfs.OpField(pp.opIndex, rest); ok {
				return normalize(v), nil
			}
		}
		if v, ok := nfs.Field(rest); ok {
			return normalize(v), nil
		}
		return nil, fmt.Errorf("unknown nfs field %q", rest)
	}
	v, ok := pp.p.Field(name)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", name)
	}
	return normalize(v), nil
}

// normalize converts decoded field values to the evaluator's types:
// every number becomes float64, byte slices become strings.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case uint8:
		return float64(n)
	case int8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case []byte:
		return string(n)
	default:
		return v
	}
}

var matchFunctions = map[string]govaluate.ExpressionFunction{
	"crc32": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("crc32 wants 1 argument")
		}
		return float64(crc32.ChecksumIEEE([]byte(argString(args[0])))), nil
	},
	"crc16": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("crc16 wants 1 argument")
		}
		return float64(crc16ARC([]byte(argString(args[0])))), nil
	},
	"len": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("len wants 1 argument")
		}
		return float64(len(argString(args[0]))), nil
	},
	"hex": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("hex wants 1 argument")
		}
		n, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("hex wants a number")
		}
		return fmt.Sprintf("0x%x", uint64(n)), nil
	},
	"hexdecode": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("hexdecode wants 1 argument")
		}
		b, err := hex.DecodeString(argString(args[0]))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	},
}

func argString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// crc16ARC is the reflected 0x8005 CRC used for short opaque
// fingerprints in match expressions.
func crc16ARC(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Escape renders opaque bytes as an expression fragment that compares
// equal to the raw field value, safe to embed inside any predicate:
// a hexdecode('...') call with the bytes hex-encoded.
func Escape(data []byte) string {
	return fmt.Sprintf("hexdecode('%s')", hex.EncodeToString(data))
}

// Escape is also reachable from a trace handle for callers holding
// one.
func (t *Trace) Escape(data []byte) string { return Escape(data) }

// rewriteExpr rewrites bare layer references into bracketed packet
// parameters and the Python-style boolean operators into evaluator
// syntax, leaving string literals untouched and preserving operator
// precedence (brackets bind tighter than any operator).
func rewriteExpr(expr string) string {
	var out strings.Builder
	i := 0
	for i < len(expr) {
		c := expr[i]
		if c == '\'' || c == '"' {
			j := i + 1
			for j < len(expr) && expr[j] != c {
				if expr[j] == '\\' && j+1 < len(expr) {
					j++
				}
				j++
			}
			if j < len(expr) {
				j++
			}
			out.WriteString(expr[i:j])
			i = j
			continue
		}
		if isIdentStart(c) {
			j := i
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			word := expr[i:j]
			i = j
			out.WriteString(rewriteWord(word, expr[j:]))
			continue
		}
		out.WriteByte(c)
		i++
	}
	return out.String()
}

func rewriteWord(word, rest string) string {
	switch word {
	case "and":
		return "&&"
	case "or":
		return "||"
	case "not":
		return "!"
	case "in", "true", "false":
		return word
	}
	head := word
	if i := strings.IndexByte(word, '.'); i >= 0 {
		head = word[:i]
	}
	lower := strings.ToLower(head)
	if layerNames[lower] || isVlanOrdinal(lower) {
		qualified := lower + word[len(head):]
		// A bare layer name followed by a call is a function, not a
		// field ("len(...)" never reaches here, but guard anyway).
		if !strings.Contains(word, ".") && strings.HasPrefix(strings.TrimLeft(rest, " "), "(") {
			return word
		}
		return "[" + qualified + "]"
	}
	return word
}

// isVlanOrdinal recognizes the stacked-VLAN aliases vlan1, vlan2, ...
func isVlanOrdinal(s string) bool {
	if !strings.HasPrefix(s, "vlan") || len(s) == len("vlan") {
		return false
	}
	for _, c := range s[4:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.'
}
