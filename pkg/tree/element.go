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

// Package tree implements the pool-tree element model (spec.md §2 row 3,
// §3): Root/Pool/Operation variants forming a rooted tree, carrying fixed
// config, dynamic per-update attributes, and persistent attributes.
//
// Modeled as a tagged variant (spec.md §9: "avoid class hierarchies; the
// enum variant is always known by context"), not an inheritance hierarchy --
// Element is a thin interface, and Root/Pool share a Composite base while
// Operation stands alone as a leaf.
package tree

import (
	"time"

	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tagfilter"
)

// ElementKind tags which variant an Element is.
type ElementKind int

const (
	RootKind ElementKind = iota
	PoolKind
	OperationKind
)

func (k ElementKind) String() string {
	switch k {
	case RootKind:
		return "root"
	case PoolKind:
		return "pool"
	case OperationKind:
		return "operation"
	default:
		return "unknown"
	}
}

// SchedulingMode selects a pool's best-child selection strategy (spec.md §3).
type SchedulingMode int

const (
	FairShareMode SchedulingMode = iota
	FIFOMode
)

// FifoSortParameter names one key in a FIFO pool's sort sequence (spec.md §3, §4.4).
type FifoSortParameter int

const (
	FifoByWeight FifoSortParameter = iota
	FifoByStartTime
	FifoByPendingJobCount
)

// StarvationConfig holds the starvation tolerance/timeout settings carried
// by every element (spec.md §3), clamped to the parent's adjusted limits by
// fairshare's cascadeTopDown, which runs just before the bottom-up pass
// (spec.md §4.1 step 3).
type StarvationConfig struct {
	FairShareStarvationTolerance float64
	MinSharePreemptionTimeout    time.Duration
	FairSharePreemptionTimeout   time.Duration
}

// DefaultStarvationConfig mirrors the original's tree-wide defaults.
func DefaultStarvationConfig() StarvationConfig {
	return StarvationConfig{
		FairShareStarvationTolerance: 0.8,
		MinSharePreemptionTimeout:    15 * time.Second,
		FairSharePreemptionTimeout:   30 * time.Second,
	}
}

// Element is the minimal shared contract every pool-tree node satisfies
// (spec.md §9). Callers that need variant-specific behavior (FIFO sort keys,
// the operation controller handle, ...) type-switch on Kind(), exactly as
// spec.md §9 prescribes: "the enum variant is always known by context".
type Element interface {
	ID() string
	Kind() ElementKind
	Parent() Element
	SetParent(Element)

	TreeIndex() int
	setTreeIndex(int)

	Weight() float64
	MinShareRatio() float64
	MaxShareRatio() float64
	MinShareResources() resources.JobResources
	ResourceLimitsConfig() resources.JobResources
	SchedulingTagFilterIndex() int
	SetSchedulingTagFilterIndex(int)

	StarvationConfig() StarvationConfig

	ResourceDemand() resources.JobResources
	SetResourceDemand(resources.JobResources)
	ResourceUsage() resources.JobResources
	SetResourceUsage(resources.JobResources)
	ResourceLimits() resources.JobResources
	SetResourceLimits(resources.JobResources)
	MaxPossibleResourceUsage() resources.JobResources
	SetMaxPossibleResourceUsage(resources.JobResources)

	Dynamic() *DynamicAttributes
	Persistent() *PersistentAttributes

	// Schedulable reports whether this element currently presents demand
	// (an operation while not disabled and with nonzero demand; a root or
	// pool while at least one child is schedulable).
	Schedulable() bool
}

// base is embedded by every concrete Element and implements the bulk of the
// interface; Root/Pool add Composite, Operation adds its own leaf fields.
type base struct {
	id     string
	parent Element

	treeIndex                int
	schedulingTagFilterIndex int
	schedulingTagFilter      tagfilter.Filter

	weight            float64
	minShareRatio     float64
	maxShareRatio     float64
	minShareResources resources.JobResources
	resourceLimits    resources.JobResources // as configured; effective limits are recomputed per update

	starvation StarvationConfig

	resourceDemand           resources.JobResources
	resourceUsage            resources.JobResources
	effectiveResourceLimits  resources.JobResources
	maxPossibleResourceUsage resources.JobResources

	dynamic    DynamicAttributes
	persistent *PersistentAttributes
}

func newBase(id string, weight float64, now time.Time) base {
	return base{
		id:             id,
		weight:         weight,
		maxShareRatio:  1,
		resourceLimits: resources.JobResources{},
		starvation:     DefaultStarvationConfig(),
		dynamic:        NewDynamicAttributes(),
		persistent:     NewPersistentAttributes(now),
	}
}

// SetPersistent rebinds the element's persistent attributes, used when
// restoring an element that already exists in the live tree (so hysteresis
// state isn't reset on every registration call).
func (b *base) SetPersistent(p *PersistentAttributes) { b.persistent = p }

func (b *base) ID() string                    { return b.id }
func (b *base) Parent() Element                { return b.parent }
func (b *base) SetParent(p Element)            { b.parent = p }
func (b *base) TreeIndex() int                 { return b.treeIndex }
func (b *base) setTreeIndex(i int)             { b.treeIndex = i }
func (b *base) Weight() float64                { return b.weight }
func (b *base) MinShareRatio() float64         { return b.minShareRatio }
func (b *base) SetMinShareRatio(r float64)     { b.minShareRatio = r }
func (b *base) MaxShareRatio() float64         { return b.maxShareRatio }
func (b *base) SetMaxShareRatio(r float64) {
	if r <= 0 {
		r = 1
	}
	b.maxShareRatio = r
}
func (b *base) MinShareResources() resources.JobResources { return b.minShareResources }
func (b *base) SetMinShareResources(r resources.JobResources) { b.minShareResources = r }
func (b *base) ResourceLimitsConfig() resources.JobResources { return b.resourceLimits }
func (b *base) SetResourceLimitsConfig(r resources.JobResources) { b.resourceLimits = r }
func (b *base) SchedulingTagFilterIndex() int  { return b.schedulingTagFilterIndex }
func (b *base) SetSchedulingTagFilterIndex(i int) { b.schedulingTagFilterIndex = i }
func (b *base) StarvationConfig() StarvationConfig { return b.starvation }

func (b *base) ResourceDemand() resources.JobResources     { return b.resourceDemand }
func (b *base) SetResourceDemand(r resources.JobResources) { b.resourceDemand = r }
func (b *base) ResourceUsage() resources.JobResources      { return b.resourceUsage }
func (b *base) SetResourceUsage(r resources.JobResources)  { b.resourceUsage = r }
func (b *base) ResourceLimits() resources.JobResources     { return b.effectiveResourceLimits }
func (b *base) SetResourceLimits(r resources.JobResources) { b.effectiveResourceLimits = r }
func (b *base) MaxPossibleResourceUsage() resources.JobResources { return b.maxPossibleResourceUsage }
func (b *base) SetMaxPossibleResourceUsage(r resources.JobResources) { b.maxPossibleResourceUsage = r }

func (b *base) Dynamic() *DynamicAttributes    { return &b.dynamic }
func (b *base) Persistent() *PersistentAttributes { return b.persistent }
