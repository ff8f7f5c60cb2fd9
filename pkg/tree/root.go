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

import "time"

// RootElement is the single top-of-tree element owning every pool in one
// pool tree (spec.md §3). Its fair-share and min-share ratios are pinned to
// 1.0 and its scheduling mode is always FairShare -- the root never competes
// for resources, it only aggregates demand from its pool children.
type RootElement struct {
	base
	composite
}

// NewRootElement constructs the root of a fresh pool tree.
func NewRootElement(id string, now time.Time) *RootElement {
	r := &RootElement{
		base: newBase(id, 1, now),
	}
	r.base.minShareRatio = 1
	r.base.maxShareRatio = 1
	r.composite.mode = FairShareMode
	r.base.dynamic.FairShareRatio = 1
	r.base.dynamic.RecursiveMinShareRatio = 1
	return r
}

func (r *RootElement) Kind() ElementKind { return RootKind }

func (r *RootElement) Schedulable() bool {
	for _, c := range r.children {
		if c.Schedulable() {
			return true
		}
	}
	return false
}
