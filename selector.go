/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package whiteboard

import (
	"strconv"
	"strings"
)

type selectorOp int

const (
	opAnd selectorOp = iota
	opOr
	opNot
	opEquals
	opPresent
	opSubstring
	opApprox
	opGreaterEq
	opLessEq
)

type selectorNode struct {
	op       selectorOp
	key      string
	value    string
	parts    []string
	children []*selectorNode
}

// Selector is a parsed LDAP-style filter evaluated against context properties. The zero value (and the result of
// parsing an empty string) is the empty selector, which targets the registering owner's default context and is
// resolved by the Whiteboard rather than by Matches.
type Selector struct {
	source string
	root   *selectorNode
}

// ParseSelector parses a filter such as "(&(osgi.http.whiteboard.context.name=default)(!(connectors=*)))".
func ParseSelector(text string) (*Selector, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Selector{}, nil
	}

	parser := &selectorParser{
		source: text,
		input:  trimmed,
		offset: strings.Index(text, trimmed),
	}

	root, err := parser.parseFilter()
	if err != nil {
		return nil, err
	}

	parser.skipSpace()
	if parser.pos != len(parser.input) {
		return nil, parser.fail("unexpected input after filter")
	}

	return &Selector{source: trimmed, root: root}, nil
}

// MustParseSelector is ParseSelector for static selectors, it panics on malformed input.
func MustParseSelector(text string) *Selector {
	selector, err := ParseSelector(text)
	if err != nil {
		panic(err)
	}
	return selector
}

// IsEmpty returns true for the empty selector.
func (s *Selector) IsEmpty() bool {
	return s == nil || s.root == nil
}

// String returns the filter text as registered.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.source
}

// Matches evaluates the selector against a property set. The empty selector never matches here.
func (s *Selector) Matches(properties map[string]string) bool {
	if s.IsEmpty() {
		return false
	}
	return s.root.evaluate(properties)
}

func (n *selectorNode) evaluate(properties map[string]string) bool {
	switch n.op {
	case opAnd:
		for _, child := range n.children {
			if !child.evaluate(properties) {
				return false
			}
		}
		return true
	case opOr:
		for _, child := range n.children {
			if child.evaluate(properties) {
				return true
			}
		}
		return false
	case opNot:
		return !n.children[0].evaluate(properties)
	}

	value, ok := lookupProperty(properties, n.key)
	if !ok {
		return false
	}

	switch n.op {
	case opPresent:
		return true
	case opEquals:
		return value == n.value
	case opApprox:
		return strings.EqualFold(strings.Join(strings.Fields(value), ""), strings.Join(strings.Fields(n.value), ""))
	case opSubstring:
		return matchSubstring(value, n.parts)
	case opGreaterEq:
		return compareValues(value, n.value) >= 0
	case opLessEq:
		return compareValues(value, n.value) <= 0
	}

	return false
}

func lookupProperty(properties map[string]string, key string) (string, bool) {
	if value, ok := properties[key]; ok {
		return value, true
	}
	for k, v := range properties {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func matchSubstring(value string, parts []string) bool {
	last := len(parts) - 1

	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	for _, part := range parts[1:last] {
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}

	return strings.HasSuffix(value, parts[last])
}

func compareValues(actual, expected string) int {
	if a, err := strconv.ParseInt(strings.TrimSpace(actual), 10, 64); err == nil {
		if e, err := strconv.ParseInt(strings.TrimSpace(expected), 10, 64); err == nil {
			switch {
			case a < e:
				return -1
			case a > e:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(actual, expected)
}

type selectorParser struct {
	source string
	input  string
	offset int
	pos    int
}

func (p *selectorParser) fail(reason string) error {
	return &SelectorSyntaxError{
		Selector: p.source,
		Offset:   p.offset + p.pos,
		Reason:   reason,
	}
}

func (p *selectorParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n' || p.input[p.pos] == '\r') {
		p.pos++
	}
}

func (p *selectorParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *selectorParser) expect(ch byte) error {
	p.skipSpace()
	if p.peek() != ch {
		if p.pos >= len(p.input) {
			return p.fail("unexpected end of filter, expected '" + string(ch) + "'")
		}
		return p.fail("expected '" + string(ch) + "'")
	}
	p.pos++
	return nil
}

func (p *selectorParser) parseFilter() (*selectorNode, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	p.skipSpace()

	var node *selectorNode
	var err error

	switch p.peek() {
	case '&':
		p.pos++
		node, err = p.parseList(opAnd)
	case '|':
		p.pos++
		node, err = p.parseList(opOr)
	case '!':
		p.pos++
		var child *selectorNode
		if child, err = p.parseFilter(); err == nil {
			node = &selectorNode{op: opNot, children: []*selectorNode{child}}
		}
	case 0:
		err = p.fail("unexpected end of filter")
	default:
		node, err = p.parseItem()
	}

	if err != nil {
		return nil, err
	}

	if err = p.expect(')'); err != nil {
		return nil, err
	}

	return node, nil
}

func (p *selectorParser) parseList(op selectorOp) (*selectorNode, error) {
	node := &selectorNode{op: op}

	for {
		p.skipSpace()
		if p.peek() != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, child)
	}

	if len(node.children) == 0 {
		return nil, p.fail("operator requires at least one operand")
	}

	return node, nil
}

func (p *selectorParser) parseItem() (*selectorNode, error) {
	start := p.pos
	for p.pos < len(p.input) && !strings.ContainsRune("=<>~()", rune(p.input[p.pos])) {
		p.pos++
	}

	key := strings.TrimSpace(p.input[start:p.pos])
	if key == "" {
		return nil, p.fail("missing attribute name")
	}

	node := &selectorNode{key: key}

	switch p.peek() {
	case '=':
		node.op = opEquals
		p.pos++
	case '~', '>', '<':
		ops := map[byte]selectorOp{'~': opApprox, '>': opGreaterEq, '<': opLessEq}
		node.op = ops[p.peek()]
		p.pos++
		if p.peek() != '=' {
			return nil, p.fail("expected '=' after comparison operator")
		}
		p.pos++
	default:
		return nil, p.fail("expected operator after attribute name")
	}

	var parts []string
	var current strings.Builder

	for {
		if p.pos >= len(p.input) {
			return nil, p.fail("unterminated value")
		}

		ch := p.input[p.pos]
		if ch == ')' {
			break
		}

		switch ch {
		case '(':
			return nil, p.fail("unescaped '(' in value")
		case '\\':
			p.pos++
			if p.pos >= len(p.input) {
				return nil, p.fail("dangling escape")
			}
			current.WriteByte(p.input[p.pos])
		case '*':
			if node.op != opEquals {
				return nil, p.fail("wildcard only allowed with '='")
			}
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
		p.pos++
	}

	if parts == nil {
		node.value = current.String()
		return node, nil
	}

	parts = append(parts, current.String())
	if len(parts) == 2 && parts[0] == "" && parts[1] == "" {
		node.op = opPresent
		return node, nil
	}

	node.op = opSubstring
	node.parts = parts
	return node, nil
}
