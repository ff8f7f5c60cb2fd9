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

// Package fairshare implements the periodic two-pass fair-share update
// (spec.md §2 row 4, §4.1): clone, pre-update, bottom-up, top-down (FIFO /
// FairShare with fit-factor binary search), starvation check, publish.
package fairshare

import (
	"time"

	"github.com/ytscheduler/fairshare/pkg/tree"
)

// Snapshot is the immutable result of one fair-share update, published
// atomically for readers (spec.md §4.1 step 6, §5 "snapshot isolation").
type Snapshot struct {
	Root       *tree.RootElement
	TreeSize   int
	UpdateTime time.Time
	Warnings   []Warning
}

// Warning is a non-fatal configuration anomaly surfaced by an update
// (spec.md §4.1 "Failure": "min-share sums > 1, min-share on child with
// zero parent min-share").
type Warning struct {
	ElementID string
	Message   string
}

func treeSize(root *tree.RootElement) int {
	n := 0
	tree.Walk(root, func(tree.Element) { n++ })
	return n
}
