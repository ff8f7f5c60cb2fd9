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

import "sort"

// composite is embedded by Root and Pool, the two element kinds that have
// children (spec.md §3, §9: shared behavior without an inheritance
// hierarchy -- Root and Pool compose the same struct rather than one
// extending the other).
type composite struct {
	children []Element

	mode            SchedulingMode
	fifoSortParams  []FifoSortParameter

	forbidImmediateOperations bool
	maxOperationCount         int
	maxRunningOperationCount  int
	ephemeral                 bool
	owningUser                string
}

// Children returns the direct children, in no particular order; callers that
// need FIFO order call FIFOSortedChildren.
func (c *composite) Children() []Element { return c.children }

// AddChild appends a new child.
func (c *composite) AddChild(e Element) { c.children = append(c.children, e) }

// RemoveChild drops a child by id, if present.
func (c *composite) RemoveChild(id string) {
	for i, ch := range c.children {
		if ch.ID() == id {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

// Mode reports the composite's scheduling mode (spec.md §3).
func (c *composite) Mode() SchedulingMode { return c.mode }

// SetMode changes the scheduling mode.
func (c *composite) SetMode(m SchedulingMode) { c.mode = m }

// FIFOSortParameters returns the ordered sequence of keys a FIFO pool sorts
// its children by (spec.md §4.4); defaults to weight desc, then start time asc.
func (c *composite) FIFOSortParameters() []FifoSortParameter {
	if len(c.fifoSortParams) == 0 {
		return []FifoSortParameter{FifoByWeight, FifoByStartTime}
	}
	return c.fifoSortParams
}

// SetFIFOSortParameters overrides the FIFO sort sequence.
func (c *composite) SetFIFOSortParameters(params []FifoSortParameter) {
	c.fifoSortParams = params
}

// ForbidImmediateOperations reports whether new operations must register
// under a descendant pool rather than directly under this one (spec.md §3).
func (c *composite) ForbidImmediateOperations() bool { return c.forbidImmediateOperations }

func (c *composite) SetForbidImmediateOperations(v bool) { c.forbidImmediateOperations = v }

func (c *composite) MaxOperationCount() int        { return c.maxOperationCount }
func (c *composite) SetMaxOperationCount(n int)     { c.maxOperationCount = n }
func (c *composite) MaxRunningOperationCount() int  { return c.maxRunningOperationCount }
func (c *composite) SetMaxRunningOperationCount(n int) { c.maxRunningOperationCount = n }

// Ephemeral reports whether this pool was implicitly created to host an
// operation's default pool and should be garbage-collected once empty
// (spec.md §3).
func (c *composite) Ephemeral() bool      { return c.ephemeral }
func (c *composite) SetEphemeral(v bool)  { c.ephemeral = v }
func (c *composite) OwningUser() string   { return c.owningUser }
func (c *composite) SetOwningUser(u string) { c.owningUser = u }

// fifoKey extracts the comparable values for one FIFO sort parameter from an
// element's fixed config and dynamic attributes.
func fifoKey(e Element, p FifoSortParameter) (float64, bool) {
	switch p {
	case FifoByWeight:
		return e.Weight(), true
	case FifoByStartTime:
		if op, ok := e.(*OperationElement); ok {
			return float64(op.StartTime().UnixNano()), true
		}
		return 0, false
	case FifoByPendingJobCount:
		if op, ok := e.(*OperationElement); ok {
			return float64(op.PendingJobCount()), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// FIFOSortedChildren returns children ordered by params, each key applied in
// turn as a tie-break (spec.md §4.4): weight descending by default, then
// start time ascending so older operations keep priority; the pending job
// count key, when configured, puts fewer pending jobs first.
func FIFOSortedChildren(children []Element, params []FifoSortParameter) []Element {
	out := make([]Element, len(children))
	copy(out, children)
	sort.SliceStable(out, func(i, j int) bool {
		for _, p := range params {
			vi, oki := fifoKey(out[i], p)
			vj, okj := fifoKey(out[j], p)
			if !oki || !okj || vi == vj {
				continue
			}
			if p == FifoByStartTime || p == FifoByPendingJobCount {
				return vi < vj // earlier start time / fewer pending jobs first
			}
			return vi > vj // higher weight first
		}
		return false
	})
	return out
}
