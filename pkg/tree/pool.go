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

// PoolElement is an internal tree node grouping operations and/or child pools
// under a shared scheduling mode and resource guarantees (spec.md §3).
type PoolElement struct {
	base
	composite
}

// NewPoolElement constructs a pool with the given id and weight, defaulting
// to FairShare scheduling mode (spec.md §3's tree-wide default).
func NewPoolElement(id string, weight float64, now time.Time) *PoolElement {
	return &PoolElement{
		base: newBase(id, weight, now),
	}
}

func (p *PoolElement) Kind() ElementKind { return PoolKind }

// Schedulable reports whether the pool has at least one schedulable child;
// an empty pool never blocks an ancestor's demand aggregation.
func (p *PoolElement) Schedulable() bool {
	for _, c := range p.children {
		if c.Schedulable() {
			return true
		}
	}
	return false
}
