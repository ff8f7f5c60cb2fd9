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

package tree

// Clone produces an independent working copy of a pool tree rooted at root
// (spec.md §4.1: the fair-share update runs against a snapshot so concurrent
// reads of the live tree -- e.g. a heartbeat picking a best leaf -- never
// observe a half-updated element). Every cloned element shares its source's
// *PersistentAttributes pointer, so writes the update makes to starvation
// hysteresis and the historic usage aggregator land directly on the live
// tree without a separate copy-back step. Dynamic attributes are NOT copied:
// the clone starts from NewDynamicAttributes() defaults, since those are
// entirely recomputed by the update.
//
// Tree indices are reassigned by a pre-order walk (root first, then children
// left to right) so a freshly cloned tree's indices are stable across runs
// given the same child ordering -- this is the "tree_index" spec.md §3
// describes as letting a heartbeat resolve an element by array position
// instead of by id lookup.
func Clone(root *RootElement) *RootElement {
	clone := &RootElement{base: root.base, composite: root.composite}
	clone.base.dynamic = NewDynamicAttributes()
	clone.base.dynamic.FairShareRatio = 1
	clone.base.dynamic.RecursiveMinShareRatio = 1
	clone.base.persistent = root.base.persistent
	clone.composite.children = cloneChildren(root.composite.children, clone)

	idx := 0
	assignTreeIndices(clone, &idx)
	return clone
}

func cloneChildren(children []Element, parent Element) []Element {
	out := make([]Element, len(children))
	for i, c := range children {
		out[i] = cloneElement(c, parent)
	}
	return out
}

func cloneElement(e Element, parent Element) Element {
	switch v := e.(type) {
	case *PoolElement:
		clone := &PoolElement{base: v.base, composite: v.composite}
		clone.base.parent = parent
		clone.base.dynamic = NewDynamicAttributes()
		clone.base.persistent = v.base.persistent
		clone.composite.children = cloneChildren(v.composite.children, clone)
		return clone
	case *OperationElement:
		clone := &OperationElement{
			base:         v.base,
			startTime:    v.startTime,
			tentative:    v.tentative,
			disabled:     v.disabled,
			profilingTag: v.profilingTag,
			controller:   v.controller,
			pendingJobs:  v.pendingJobs,
			tracker:      v.tracker,
		}
		clone.base.parent = parent
		clone.base.dynamic = NewDynamicAttributes()
		clone.base.persistent = v.base.persistent
		return clone
	default:
		panic("tree: unknown element kind in Clone")
	}
}

func assignTreeIndices(e Element, next *int) {
	e.setTreeIndex(*next)
	*next++
	switch v := e.(type) {
	case *RootElement:
		for _, c := range v.children {
			assignTreeIndices(c, next)
		}
	case *PoolElement:
		for _, c := range v.children {
			assignTreeIndices(c, next)
		}
	}
}

// Walk visits every element of the tree rooted at e in pre-order.
func Walk(e Element, visit func(Element)) {
	visit(e)
	switch v := e.(type) {
	case *RootElement:
		for _, c := range v.children {
			Walk(c, visit)
		}
	case *PoolElement:
		for _, c := range v.children {
			Walk(c, visit)
		}
	}
}

// Operations returns every OperationElement leaf in the tree rooted at e.
func Operations(e Element) []*OperationElement {
	var out []*OperationElement
	Walk(e, func(el Element) {
		if op, ok := el.(*OperationElement); ok {
			out = append(out, op)
		}
	})
	return out
}

// Pools returns every PoolElement (excluding the root) in the tree rooted at e.
func Pools(e Element) []*PoolElement {
	var out []*PoolElement
	Walk(e, func(el Element) {
		if p, ok := el.(*PoolElement); ok {
			out = append(out, p)
		}
	})
	return out
}

// OperationByID finds the operation leaf with the given id in the tree
// rooted at e, used by the node shard to resolve a running job's owning
// operation against the current snapshot (spec.md §4.7).
func OperationByID(e Element, id string) (*OperationElement, bool) {
	var found *OperationElement
	Walk(e, func(el Element) {
		if found != nil {
			return
		}
		if op, ok := el.(*OperationElement); ok && op.ID() == id {
			found = op
		}
	})
	return found, found != nil
}

// Ancestors returns every composite ancestor of e, from its immediate parent
// up to and including the root (spec.md §4.2's "every ancestor pool").
func Ancestors(e Element) []Element {
	var out []Element
	for p := e.Parent(); p != nil; p = p.Parent() {
		out = append(out, p)
	}
	return out
}
