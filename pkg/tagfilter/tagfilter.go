/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tagfilter implements scheduling tag filters (spec.md §3, §4.9): a
// boolean formula over a flat set of string tags that partitions exec nodes
// disjointly across pool trees. Grounded on YTsaurus's TSchedulingTagFilter /
// TBoolFormula (original_source/.../scheduling_tag.h, referenced by name only
// -- the header wasn't retrieved, so the grammar below is this
// implementation's own, in the spirit the spec describes: "&", "|", "!" over
// barewords) and on the teacher's Taints-style predicate-over-a-set idiom
// (pkg/scheduling/taints.go's Tolerates).
package tagfilter

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Filter is a parsed boolean tag expression. The zero value matches every
// node (an empty filter, spec.md's "optional scheduling_tag_filter").
type Filter struct {
	expr node
	src  string
}

// String returns the original expression text, as registered.
func (f Filter) String() string {
	return f.src
}

// Matches reports whether the given tag set satisfies the filter.
func (f Filter) Matches(tags sets.String) bool {
	if f.expr == nil {
		return true
	}
	return f.expr.eval(tags)
}

// Empty reports whether this is the always-true filter.
func (f Filter) Empty() bool {
	return f.expr == nil
}

type node interface {
	eval(tags sets.String) bool
}

type tagNode string

func (t tagNode) eval(tags sets.String) bool { return tags.Has(string(t)) }

type notNode struct{ inner node }

func (n notNode) eval(tags sets.String) bool { return !n.inner.eval(tags) }

type andNode struct{ left, right node }

func (n andNode) eval(tags sets.String) bool { return n.left.eval(tags) && n.right.eval(tags) }

type orNode struct{ left, right node }

func (n orNode) eval(tags sets.String) bool { return n.left.eval(tags) || n.right.eval(tags) }

// Parse compiles a filter expression. Grammar (lowest to highest precedence):
//
//	expr   := or
//	or     := and ('|' and)*
//	and    := unary ('&' unary)*
//	unary  := '!' unary | '(' expr ')' | tag
//	tag    := [A-Za-z0-9_./-]+
//
// An empty or all-whitespace expression parses to the always-true Filter.
func Parse(expr string) (Filter, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return Filter{src: expr}, nil
	}
	p := &parser{input: trimmed}
	n, err := p.parseOr()
	if err != nil {
		return Filter{}, fmt.Errorf("parsing scheduling tag filter %q: %w", expr, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return Filter{}, fmt.Errorf("parsing scheduling tag filter %q: unexpected trailing input at %d", expr, p.pos)
	}
	return Filter{expr: n, src: expr}, nil
}

// MustParse panics on an invalid expression; for use with compile-time-known filters.
func MustParse(expr string) Filter {
	f, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return f
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == '|' {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == '&' {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.peek() {
	case '!':
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	case '(':
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("expected ')' at %d", p.pos)
		}
		p.pos++
		return inner, nil
	case 0:
		return nil, fmt.Errorf("unexpected end of input")
	default:
		return p.parseTag()
	}
}

func (p *parser) parseTag() (node, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isTagChar(p.input[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("expected a tag at %d", p.pos)
	}
	return tagNode(p.input[start:p.pos]), nil
}

func isTagChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == '/' || c == '-':
		return true
	}
	return false
}

// Registry assigns each distinct filter an index the first time it's seen, so
// pool-tree elements can carry an O(1) scheduling_tag_filter_index (spec.md
// §3) instead of a filter copy.
type Registry struct {
	filters []Filter
	index   map[string]int
}

// NewRegistry returns an empty registry; index 0 is pre-registered to the
// always-true filter (spec.md's EmptySchedulingTagFilterIndex).
func NewRegistry() *Registry {
	r := &Registry{index: map[string]int{}}
	r.Register(Filter{})
	return r
}

// Register returns the index for f, assigning a new one if f hasn't been seen.
func (r *Registry) Register(f Filter) int {
	if idx, ok := r.index[f.src]; ok {
		return idx
	}
	idx := len(r.filters)
	r.filters = append(r.filters, f)
	r.index[f.src] = idx
	return idx
}

// At returns the filter registered at idx.
func (r *Registry) At(idx int) Filter {
	return r.filters[idx]
}

// Len returns the number of distinct filters registered.
func (r *Registry) Len() int {
	return len(r.filters)
}
