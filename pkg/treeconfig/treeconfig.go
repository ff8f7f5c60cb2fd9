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

// Package treeconfig parses and validates the persistent, YSON-shaped pool
// configuration (spec.md §6) into a pkg/tree.RootElement, and hashes
// incoming configs so pkg/host can tell a no-op resubmit from a structural
// change worth rebuilding ephemeral pools for.
package treeconfig

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

// PoolConfig is one pool's persistent configuration (spec.md §6 "Pool
// configuration"). ParentName is empty for pools attached directly under
// the tree root.
type PoolConfig struct {
	Name       string
	ParentName string

	Mode   tree.SchedulingMode
	Weight float64

	MinShareRatio     float64
	MinShareResources resources.JobResources
	MaxShareRatio     float64
	ResourceLimits    resources.JobResources

	MaxOperationCount        int
	MaxRunningOperationCount int
	FIFOSortParameters       []tree.FifoSortParameter

	SchedulingTagFilter string

	FairShareStarvationTolerance float64
	MinSharePreemptionTimeout    time.Duration
	FairSharePreemptionTimeout   time.Duration

	AllowAggressiveStarvationPreemption bool
	ForbidImmediateOperations           bool
	CreateEphemeralSubpools             bool

	AllowedProfilingTags []string `hash:"ignore"`
}

// Tree is a flat pool-config map keyed by name, the wire shape the pool
// tree is parsed from before being materialized into pkg/tree elements.
type Tree struct {
	TreeID string
	Pools  map[string]*PoolConfig
}

// Hash returns a structural hash of t, stable across field reordering and
// ignoring AllowedProfilingTags (advisory metadata, not structural) --
// grounded on the teacher's NodePool/Budget hashing via hashstructure for
// change detection.
func Hash(t *Tree) (uint64, error) {
	return hashstructure.Hash(t, hashstructure.FormatV2, nil)
}

// Changed reports whether two configs differ structurally, used by pkg/host
// to decide whether a pool-config resubmit requires rebuilding ephemeral
// pools or can be treated as a no-op ahead of the next fair-share pass.
func Changed(oldTree, newTree *Tree) (bool, error) {
	oldHash, err := Hash(oldTree)
	if err != nil {
		return true, err
	}
	newHash, err := Hash(newTree)
	if err != nil {
		return true, err
	}
	return oldHash != newHash, nil
}

// Validate rejects a config tree containing a pool cycle or a reference to
// an unknown parent (spec.md §9 "Cyclic pool graphs": "the validator runs a
// union-find over declared parents; any back-edge is rejected").
func Validate(t *Tree) error {
	uf := newUnionFind()
	for name := range t.Pools {
		uf.add(name)
	}
	for name, p := range t.Pools {
		if p.ParentName == "" {
			continue
		}
		if _, ok := t.Pools[p.ParentName]; !ok {
			return fmt.Errorf("pool %q: unknown parent %q", name, p.ParentName)
		}
		if uf.connected(name, p.ParentName) {
			return fmt.Errorf("pool %q: cycle detected through parent %q", name, p.ParentName)
		}
		uf.union(name, p.ParentName)
	}
	return nil
}

// Build materializes a validated config tree into a live pkg/tree.RootElement
// rooted at rootID, pools attached in an order that guarantees a parent is
// always created before its children (multiple passes over unresolved
// pools, bounded by tree depth).
func Build(t *Tree, rootID string, now time.Time) (*tree.RootElement, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}

	root := tree.NewRootElement(rootID, now)
	built := map[string]tree.Element{rootID: root}

	remaining := make(map[string]*PoolConfig, len(t.Pools))
	for name, p := range t.Pools {
		remaining[name] = p
	}

	for len(remaining) > 0 {
		progressed := false
		for name, p := range remaining {
			parentID := rootID
			if p.ParentName != "" {
				parentID = p.ParentName
			}
			parent, ok := built[parentID]
			if !ok {
				continue
			}
			pool := tree.NewPoolElement(name, p.Weight, now)
			pool.SetMode(p.Mode)
			pool.SetParent(parent)
			pool.SetMaxOperationCount(p.MaxOperationCount)
			pool.SetMaxRunningOperationCount(p.MaxRunningOperationCount)
			if len(p.FIFOSortParameters) > 0 {
				pool.SetFIFOSortParameters(p.FIFOSortParameters)
			}
			pool.SetForbidImmediateOperations(p.ForbidImmediateOperations)
			pool.SetMinShareRatio(p.MinShareRatio)
			pool.SetMinShareResources(p.MinShareResources)
			pool.SetMaxShareRatio(p.MaxShareRatio)
			pool.SetResourceLimitsConfig(p.ResourceLimits)

			switch v := parent.(type) {
			case *tree.RootElement:
				v.AddChild(pool)
			case *tree.PoolElement:
				v.AddChild(pool)
			}

			built[name] = pool
			delete(remaining, name)
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("pool config has unreachable pools (dangling parent references): %d remaining", len(remaining))
		}
	}

	return root, nil
}

// unionFind is a minimal disjoint-set over pool names, just enough for
// Validate's cycle check.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind { return &unionFind{parent: map[string]string{}} }

func (u *unionFind) add(name string) {
	if _, ok := u.parent[name]; !ok {
		u.parent[name] = name
	}
}

func (u *unionFind) find(name string) string {
	u.add(name)
	for u.parent[name] != name {
		u.parent[name] = u.parent[u.parent[name]]
		name = u.parent[name]
	}
	return name
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

func (u *unionFind) connected(a, b string) bool {
	return u.find(a) == u.find(b)
}
