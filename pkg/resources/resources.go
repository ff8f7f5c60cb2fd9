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

// Package resources implements the multi-dimensional JobResources vector
// algebra (spec.md §3): a fixed-arity tuple of non-negative integers plus a
// per-medium disk map, with lattice operations and dominant-resource ratios.
package resources

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Kind identifies one dimension of JobResources.
type Kind int

const (
	CPU Kind = iota
	Memory
	UserSlots
	GPU
	Network
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case Memory:
		return "memory"
	case UserSlots:
		return "user_slots"
	case GPU:
		return "gpu"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// fixedKinds are the dimensions iterated by Dominates/Ratio/DominantResource,
// in a stable order. Disk is keyed by medium and handled separately since its
// arity isn't fixed.
var fixedKinds = []Kind{CPU, Memory, UserSlots, GPU, Network}

// JobResources is a fixed-arity tuple of non-negative integer resource
// quantities plus a map from storage medium to disk bytes.
type JobResources struct {
	CPU       int64
	Memory    int64
	UserSlots int64
	GPU       int64
	Network   int64
	Disk      map[string]int64
}

// Zero returns the zero resource vector.
func Zero() JobResources {
	return JobResources{}
}

// IsZero reports whether every dimension of r is zero. JobResources embeds a
// map, so it isn't comparable with == ; this is the idiomatic substitute.
func IsZero(r JobResources) bool {
	if r.CPU != 0 || r.Memory != 0 || r.UserSlots != 0 || r.GPU != 0 || r.Network != 0 {
		return false
	}
	for _, v := range r.Disk {
		if v != 0 {
			return false
		}
	}
	return true
}

func (r JobResources) get(k Kind) int64 {
	switch k {
	case CPU:
		return r.CPU
	case Memory:
		return r.Memory
	case UserSlots:
		return r.UserSlots
	case GPU:
		return r.GPU
	case Network:
		return r.Network
	default:
		return 0
	}
}

func (r *JobResources) set(k Kind, v int64) {
	switch k {
	case CPU:
		r.CPU = v
	case Memory:
		r.Memory = v
	case UserSlots:
		r.UserSlots = v
	case GPU:
		r.GPU = v
	case Network:
		r.Network = v
	}
}

// diskMediums returns the sorted union of medium names present in a or b.
func diskMediums(a, b map[string]int64) []string {
	seen := map[string]struct{}{}
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	return lo.Keys(seen)
}

// Add returns a+b, pointwise.
func Add(a, b JobResources) JobResources {
	out := JobResources{Disk: map[string]int64{}}
	for _, k := range fixedKinds {
		out.set(k, a.get(k)+b.get(k))
	}
	for _, m := range diskMediums(a.Disk, b.Disk) {
		out.Disk[m] = a.Disk[m] + b.Disk[m]
	}
	return out
}

// Subtract returns a-b, pointwise, floored at zero per dimension (mirroring
// the teacher's resources.Subtract, which never lets remaining daemonset
// overhead go negative).
func Subtract(a, b JobResources) JobResources {
	out := JobResources{Disk: map[string]int64{}}
	for _, k := range fixedKinds {
		out.set(k, max64(a.get(k)-b.get(k), 0))
	}
	for _, m := range diskMediums(a.Disk, b.Disk) {
		out.Disk[m] = max64(a.Disk[m]-b.Disk[m], 0)
	}
	return out
}

// Min returns the pointwise minimum of a and b.
func Min(a, b JobResources) JobResources {
	out := JobResources{Disk: map[string]int64{}}
	for _, k := range fixedKinds {
		out.set(k, min64(a.get(k), b.get(k)))
	}
	for _, m := range diskMediums(a.Disk, b.Disk) {
		out.Disk[m] = min64(a.Disk[m], b.Disk[m])
	}
	return out
}

// Max returns the pointwise maximum of a and b.
func Max(a, b JobResources) JobResources {
	out := JobResources{Disk: map[string]int64{}}
	for _, k := range fixedKinds {
		out.set(k, max64(a.get(k), b.get(k)))
	}
	for _, m := range diskMediums(a.Disk, b.Disk) {
		out.Disk[m] = max64(a.Disk[m], b.Disk[m])
	}
	return out
}

// Scale multiplies every dimension of r by factor, rounding down.
func Scale(r JobResources, factor float64) JobResources {
	out := JobResources{Disk: map[string]int64{}}
	for _, k := range fixedKinds {
		out.set(k, int64(float64(r.get(k))*factor))
	}
	for m, v := range r.Disk {
		out.Disk[m] = int64(float64(v) * factor)
	}
	return out
}

// Dominates reports whether a_i <= b_i for every dimension i (spec.md §3).
func Dominates(a, b JobResources) bool {
	for _, k := range fixedKinds {
		if a.get(k) > b.get(k) {
			return false
		}
	}
	for m, v := range a.Disk {
		if v > b.Disk[m] {
			return false
		}
	}
	return true
}

// Fits reports whether requested resources fit within available capacity;
// an alias for Dominates(requested, available) matching the teacher's
// resources.Fits naming.
func Fits(requested, available JobResources) bool {
	return Dominates(requested, available)
}

// Ratio returns usage_i / limits_i for a single dimension, 0 if limits_i is 0.
func Ratio(usage, limits JobResources, k Kind) float64 {
	l := limits.get(k)
	if l <= 0 {
		return 0
	}
	return float64(usage.get(k)) / float64(l)
}

// DominantResource returns the resource dimension maximizing usage_i/limits_i
// (spec.md §3 and GLOSSARY). Zero-limit resources are excluded from the
// argmax unless usage is also zero, in which case they contribute a ratio of
// zero rather than being skipped outright -- matching
// fair_share_tree_element.cpp's GetDominantResource, which never lets an
// unconstrained-but-unused dimension win.
func DominantResource(usage, limits JobResources) (Kind, float64) {
	best := CPU
	bestRatio := -1.0
	consider := func(k Kind) {
		l := limits.get(k)
		u := usage.get(k)
		if l <= 0 && u <= 0 {
			return
		}
		var ratio float64
		if l > 0 {
			ratio = float64(u) / float64(l)
		}
		if ratio > bestRatio {
			bestRatio = ratio
			best = k
		}
	}
	for _, k := range fixedKinds {
		consider(k)
	}
	if bestRatio < 0 {
		return CPU, 0
	}
	return best, bestRatio
}

// String renders a resource vector for log lines, matching the teacher's
// resources.String concision.
func String(r JobResources) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cpu=%d,memory=%d,user_slots=%d,gpu=%d,network=%d", r.CPU, r.Memory, r.UserSlots, r.GPU, r.Network)
	for _, m := range lo.Keys(r.Disk) {
		fmt.Fprintf(&sb, ",disk[%s]=%d", m, r.Disk[m])
	}
	return sb.String()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
