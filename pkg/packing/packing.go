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

// Package packing implements the per-operation packing advisory (spec.md
// §4.5): a moving window of node-resource snapshots an operation's jobs
// have landed on, used to score whether a candidate node is "good packing"
// before stage N commits to it. Packing never changes resource accounting;
// rejection only adds the operation to a bad-packing set that stage F
// later retries with packing disabled.
package packing

import (
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ytscheduler/fairshare/pkg/resources"
)

// Config tunes the advisor's window and acceptance threshold.
type Config struct {
	// WindowSize bounds how many recent landings are kept per operation.
	WindowSize int
	// Threshold is the maximum allowed distance (in DominantResource
	// ratio units) between a candidate's post-job free resources and the
	// window's mean free resources before it's rejected as bad packing.
	Threshold float64
	// Expiry evicts an operation's window after this much inactivity,
	// the same "moving window" idea the teacher expresses with go-cache's
	// per-key TTL rather than a hand-rolled ring buffer with timestamps.
	Expiry time.Duration
}

// DefaultConfig mirrors the original's typical packing tuning.
func DefaultConfig() Config {
	return Config{WindowSize: 50, Threshold: 0.25, Expiry: 10 * time.Minute}
}

type window struct {
	samples []resources.JobResources // free resources after each landing
}

// Advisor tracks one moving window of landing snapshots per operation.
// Grounded on the teacher's `pkg/controllers/nodeclaim/consistency/controller.go`
// use of `patrickmn/go-cache` as a TTL'd scratch map keyed by entity id,
// repurposed here from "last scanned time" to "per-operation packing window".
type Advisor struct {
	cfg   Config
	cache *gocache.Cache
}

// NewAdvisor returns an advisor with an empty per-operation window cache.
func NewAdvisor(cfg Config) *Advisor {
	return &Advisor{cfg: cfg, cache: gocache.New(cfg.Expiry, cfg.Expiry/2)}
}

// RecordLanding appends a new sample: the node's free resources immediately
// after job was placed, trimmed to the configured window size.
func (a *Advisor) RecordLanding(operationID string, freeAfterJob resources.JobResources) {
	w := a.windowFor(operationID)
	w.samples = append(w.samples, freeAfterJob)
	if len(w.samples) > a.cfg.WindowSize {
		w.samples = w.samples[len(w.samples)-a.cfg.WindowSize:]
	}
	a.cache.SetDefault(operationID, w)
}

// IsGoodPacking reports whether placing a job needing jobResources on a node
// with nodeLimits free would land close enough to the operation's learned
// distribution of landings. An operation with no history is always good
// packing (nothing to compare against yet).
func (a *Advisor) IsGoodPacking(operationID string, nodeLimits, jobResources resources.JobResources) bool {
	w := a.existingWindow(operationID)
	if w == nil || len(w.samples) == 0 {
		return true
	}

	candidateFree := resources.Subtract(nodeLimits, jobResources)
	mean := meanOf(w.samples)
	_, distance := resources.DominantResource(absDiff(candidateFree, mean), nodeLimits)
	return distance <= a.cfg.Threshold
}

func (a *Advisor) windowFor(operationID string) *window {
	if w := a.existingWindow(operationID); w != nil {
		return w
	}
	return &window{}
}

func (a *Advisor) existingWindow(operationID string) *window {
	if v, ok := a.cache.Get(operationID); ok {
		return v.(*window)
	}
	return nil
}

// Forget drops an operation's window, called on operation unregistration.
func (a *Advisor) Forget(operationID string) {
	a.cache.Delete(operationID)
}

func meanOf(samples []resources.JobResources) resources.JobResources {
	sum := resources.Zero()
	for _, s := range samples {
		sum = resources.Add(sum, s)
	}
	return resources.Scale(sum, 1/math.Max(float64(len(samples)), 1))
}

func absDiff(a, b resources.JobResources) resources.JobResources {
	return resources.Add(resources.Subtract(a, b), resources.Subtract(b, a))
}
