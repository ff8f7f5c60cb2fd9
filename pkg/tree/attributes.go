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

import (
	"math"
	"time"

	"github.com/ytscheduler/fairshare/pkg/resources"
)

// DynamicAttributes are recomputed on every fair-share update (spec.md §3).
type DynamicAttributes struct {
	DominantResource resources.Kind
	DemandRatio      float64
	UsageRatio       float64

	FairShareRatio           float64
	AdjustedMinShareRatio    float64
	RecursiveMinShareRatio   float64
	MaxPossibleUsageRatio    float64
	GuaranteedResourcesRatio float64
	BestAllocationRatio      float64
	DominantLimit            int64

	FifoIndex int // -1 unless the parent is a FIFO pool

	AdjustedFairShareStarvationTolerance float64
	AdjustedMinSharePreemptionTimeout    time.Duration
	AdjustedFairSharePreemptionTimeout   time.Duration

	SatisfactionRatio     float64
	Active                bool
	BestLeafDescendant    *OperationElement
	ResourceUsageDiscount resources.JobResources
}

// NewDynamicAttributes returns attributes in their pre-update default state.
func NewDynamicAttributes() DynamicAttributes {
	return DynamicAttributes{
		FifoIndex:             -1,
		MaxPossibleUsageRatio: 1,
		BestAllocationRatio:   1,
		SatisfactionRatio:     math.Inf(1),
	}
}

// StarvationStatus classifies an element's current fair-share standing (spec.md §4.1 step 5).
type StarvationStatus int

const (
	StatusNormal StarvationStatus = iota
	StatusBelowFairShare
	StatusBelowMinShare
)

func (s StarvationStatus) String() string {
	switch s {
	case StatusBelowMinShare:
		return "below_min_share"
	case StatusBelowFairShare:
		return "below_fair_share"
	default:
		return "normal"
	}
}

// PersistentAttributes survive a fair-share update (spec.md §3); the live
// tree and its snapshot share the same *PersistentAttributes per element so
// that starvation hysteresis and the historic usage aggregator carry
// forward across updates (spec.md §4.1 step 6, "copy persistent attributes
// back onto the live tree").
type PersistentAttributes struct {
	Starving            bool
	BelowFairShareSince  *time.Time
	BelowMinShareSince   *time.Time
	LastNonStarvingTime  time.Time
	HistoricUsageAggregator HistoricUsageAggregator

	// StarvationStatusCounts tallies how many fair-share updates classified
	// this element at each StarvationStatus, recovered from the original's
	// GetPreemptionStatusStatistics (SPEC_FULL.md "Supplemented features").
	StarvationStatusCounts map[StarvationStatus]int64
}

// NewPersistentAttributes returns freshly-initialized persistent attributes
// for a newly created element.
func NewPersistentAttributes(now time.Time) *PersistentAttributes {
	return &PersistentAttributes{
		LastNonStarvingTime:     now,
		HistoricUsageAggregator: NewHistoricUsageAggregator(time.Hour),
		StarvationStatusCounts:  map[StarvationStatus]int64{},
	}
}

// HistoricUsageAggregator is an exponentially-decayed average of an
// element's usage ratio across fair-share updates. spec.md §3 lists a
// "historic usage aggregator" among persistent attributes but never defines
// its update rule; recovered from the original's
// TPersistentAttributes::HistoricUsageAggregator (fair_share_tree_element.h)
// as a plain EMA over wall-clock gaps (SPEC_FULL.md "Supplemented features").
type HistoricUsageAggregator struct {
	halfLife time.Duration
	lastTime time.Time
	value    float64
	init     bool
}

// NewHistoricUsageAggregator returns an aggregator whose weight halves every halfLife.
func NewHistoricUsageAggregator(halfLife time.Duration) HistoricUsageAggregator {
	return HistoricUsageAggregator{halfLife: halfLife}
}

// UpdateAt folds in a new usage-ratio sample observed at time t.
func (h *HistoricUsageAggregator) UpdateAt(t time.Time, usageRatio float64) {
	if !h.init {
		h.value = usageRatio
		h.lastTime = t
		h.init = true
		return
	}
	elapsed := t.Sub(h.lastTime)
	if elapsed <= 0 {
		h.value = usageRatio
		return
	}
	decay := math.Exp(-math.Ln2 * float64(elapsed) / float64(h.halfLife))
	h.value = h.value*decay + usageRatio*(1-decay)
	h.lastTime = t
}

// Value returns the current decayed average.
func (h HistoricUsageAggregator) Value() float64 {
	return h.value
}
