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

// Package metrics registers the scheduler's Prometheus instrumentation,
// grounded on the teacher's pkg/metrics/metrics.go (package-level
// prometheus.NewCounterVec/NewHistogramVec, registered in init()), with
// crmetrics.Registry replaced by prometheus.DefaultRegisterer since there is
// no controller-runtime manager in this engine (see DESIGN.md). Exercised by
// pkg/fairshare (update duration, fit-factor iteration count, warnings),
// pkg/scheduler (jobs started/preempted, schedule_job attempts), pkg/host
// (active operations), and pkg/shard (heartbeat duration, scheduling-skipped).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	Namespace = "scheduler"

	fairShareSubsystem = "fair_share"
	schedulerSubsystem = "scheduler"
	shardSubsystem     = "shard"

	TreeLabel      = "tree_id"
	PoolLabel      = "pool_id"
	OperationLabel = "operation_id"
	StageLabel     = "stage"
	ReasonLabel    = "reason"
)

var (
	// FairShareUpdateDuration times one full pass of spec.md §4.1 per tree.
	FairShareUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: fairShareSubsystem,
			Name:      "update_duration_seconds",
			Help:      "Duration of one fair-share update pass, labeled by tree.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{TreeLabel},
	)

	// FitFactorIterations counts the binary-search steps FitFactor took for
	// one composite's top-down pass (spec.md §4.1 step 4, §8 "fit-factor
	// binary search" property).
	FitFactorIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: fairShareSubsystem,
			Name:      "fit_factor_iterations",
			Help:      "Number of binary-search iterations FitFactor performed per composite.",
			Buckets:   []float64{1, 5, 10, 20, 40, 80},
		},
		[]string{TreeLabel},
	)

	// UpdateWarningsTotal counts non-fatal configuration anomalies raised by
	// an update (spec.md §4.1 "Failure").
	UpdateWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: fairShareSubsystem,
			Name:      "warnings_total",
			Help:      "Non-fatal configuration warnings raised during fair-share updates, labeled by tree.",
		},
		[]string{TreeLabel},
	)

	// HeartbeatDuration times one node shard's ProcessHeartbeat call.
	HeartbeatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: shardSubsystem,
			Name:      "heartbeat_duration_seconds",
			Help:      "Duration of one node heartbeat RPC, from reconciliation through response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{},
	)

	// HeartbeatsSkippedTotal counts heartbeats that were throttled before
	// scheduling ran (spec.md §4.8 step 5, §8 scenario 5).
	HeartbeatsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: shardSubsystem,
			Name:      "heartbeats_skipped_total",
			Help:      "Heartbeats with scheduling_skipped=true, labeled by throttle reason.",
		},
		[]string{ReasonLabel},
	)

	// JobsStartedTotal / JobsPreemptedTotal count the scheduler's per-stage
	// output, labeled by tree and stage (spec.md §4.2).
	JobsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "jobs_started_total",
			Help:      "Jobs started by the scheduling state machine, labeled by tree and stage.",
		},
		[]string{TreeLabel, StageLabel},
	)
	JobsPreemptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "jobs_preempted_total",
			Help:      "Jobs selected as preemption victims, labeled by tree and reason.",
		},
		[]string{TreeLabel, ReasonLabel},
	)

	// ActiveOperationsGauge counts the operations attached to each tree:
	// pkg/host increments it on registration or tentative attachment and
	// decrements it on detach. ScheduleJobAttemptsTotal /
	// DeactivationReasonsTotal expose the per-stage statistics recovered from
	// the original's TFairShareContext::TStageState (SPEC_FULL.md
	// "Supplemented features").
	ActiveOperationsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "active_operations",
			Help:      "Operations currently attached to the tree, labeled by tree.",
		},
		[]string{TreeLabel},
	)
	ScheduleJobAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "schedule_job_attempts_total",
			Help:      "Controller schedule_job calls attempted, labeled by tree and stage.",
		},
		[]string{TreeLabel, StageLabel},
	)
	DeactivationReasonsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: schedulerSubsystem,
			Name:      "deactivation_reasons_total",
			Help:      "Operations deactivated for a round, labeled by tree and reason (e.g. no_pending_jobs).",
		},
		[]string{TreeLabel, ReasonLabel},
	)
)

func init() {
	prometheus.MustRegister(
		FairShareUpdateDuration,
		FitFactorIterations,
		UpdateWarningsTotal,
		HeartbeatDuration,
		HeartbeatsSkippedTotal,
		JobsStartedTotal,
		JobsPreemptedTotal,
		ActiveOperationsGauge,
		ScheduleJobAttemptsTotal,
		DeactivationReasonsTotal,
	)
}
