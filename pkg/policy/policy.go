// Package policy compiles screening policies: boolean expressions over signal names
// where a true result allows the connection.
//
//	!ip_list && !(vpn || tor) && (!geo_blocked || hosting)
//
// Operators are `!`, `&&` and `||` with the usual precedence; parentheses group.
package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Signals raised by the screening engine.
const (
	SignalIPList     = "ip_list"
	SignalGeoBlocked = "geo_blocked"
	SignalVPN        = "vpn"
	SignalProxy      = "proxy"
	SignalTor        = "tor"
	SignalRelay      = "relay"
	SignalHosting    = "hosting"
)

// AllSignals lists every signal in evaluation order.
var AllSignals = []string{SignalIPList, SignalGeoBlocked, SignalVPN, SignalProxy, SignalTor, SignalRelay, SignalHosting}

// Policy is a compiled screening expression.
type Policy struct {
	root    node
	expr    string
	signals []string
}

// Parse compiles expr. Every identifier must be one of known; when known is empty any
// identifier is accepted. A blank expression returns a nil Policy, which allows
// everything.
func Parse(expr string, known []string) (*Policy, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, nil
	}

	p := &parser{input: trimmed, known: make(map[string]struct{}, len(known)), seen: map[string]struct{}{}}
	for _, name := range known {
		p.known[name] = struct{}{}
	}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos+1)
	}

	signals := make([]string, 0, len(p.seen))
	for name := range p.seen {
		signals = append(signals, name)
	}
	slices.Sort(signals)
	return &Policy{root: root, expr: trimmed, signals: signals}, nil
}

// DenyAny builds the policy that denies whenever one of the signals is raised.
func DenyAny(signals ...string) (*Policy, error) {
	if len(signals) == 0 {
		return nil, nil
	}
	terms := make([]string, len(signals))
	for i, s := range signals {
		terms[i] = "!" + s
	}
	return Parse(strings.Join(terms, " && "), signals)
}

// String returns the normalized source expression.
func (p *Policy) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Signals returns the sorted set of signal names the policy reads.
func (p *Policy) Signals() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.signals)
}

// References reports whether the policy reads signal.
func (p *Policy) References(signal string) bool {
	if p == nil {
		return false
	}
	_, found := slices.BinarySearch(p.signals, signal)
	return found
}

// Evaluate runs the policy against the raised signals. When the result is a denial the
// second value names the signal that decided it. Missing signals read as false.
func (p *Policy) Evaluate(signals map[string]bool) (bool, string) {
	if p == nil || p.root == nil {
		return true, ""
	}
	return p.root.eval(signals)
}

type node interface {
	eval(signals map[string]bool) (bool, string)
}

type signalNode struct{ name string }

type notNode struct{ operand node }

type andNode struct{ left, right node }

type orNode struct{ left, right node }

func (n signalNode) eval(signals map[string]bool) (bool, string) {
	return signals[n.name], n.name
}

// Negation keeps the operand's culprit: `!vpn` denies because of vpn.
func (n notNode) eval(signals map[string]bool) (bool, string) {
	v, culprit := n.operand.eval(signals)
	return !v, culprit
}

func (n andNode) eval(signals map[string]bool) (bool, string) {
	if v, culprit := n.left.eval(signals); !v {
		return false, culprit
	}
	if v, culprit := n.right.eval(signals); !v {
		return false, culprit
	}
	return true, ""
}

func (n orNode) eval(signals map[string]bool) (bool, string) {
	if v, _ := n.left.eval(signals); v {
		return true, ""
	}
	if v, culprit := n.right.eval(signals); !v {
		return false, culprit
	}
	return true, ""
}

// parser is a recursive descent parser over a single expression.
type parser struct {
	input string
	pos   int
	known map[string]struct{}
	seen  map[string]struct{}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.consume("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.consume("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.consume("!") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.consume("(") {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.consume(")") {
			return nil, fmt.Errorf("expected ) at position %d", p.pos+1)
		}
		return inner, nil
	}

	p.skipSpace()
	start := p.pos
	for !p.eof() && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	name := p.input[start:p.pos]
	if name == "" {
		return nil, fmt.Errorf("expected signal name at position %d", p.pos+1)
	}
	if len(p.known) > 0 {
		if _, ok := p.known[name]; !ok {
			return nil, fmt.Errorf("screening policy references an unknown signal: %s", name)
		}
	}
	p.seen[name] = struct{}{}
	return signalNode{name: name}, nil
}

// consume skips whitespace and advances past tok if it comes next.
func (p *parser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func isIdentChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-' || b == '.':
		return true
	}
	return false
}
