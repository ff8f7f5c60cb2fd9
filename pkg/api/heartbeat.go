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

// Package api defines the node heartbeat RPC shapes (spec.md §6). These are
// plain Go structs with json tags standing in for the out-of-scope
// YSON/JSON wire format (spec.md §1 Non-goals: "CLI, orchid/introspection
// endpoints, ..., YSON/JSON serialization" is the transport layer, not the
// shape of the contract itself, which this package fixes).
package api

import (
	"time"

	"github.com/ytscheduler/fairshare/pkg/resources"
)

// JobState mirrors spec.md §3's job lifecycle states as reported by a node.
type JobState int

const (
	JobScheduled JobState = iota
	JobWaiting
	JobRunning
	JobFinishing
	JobFinished
)

func (s JobState) String() string {
	switch s {
	case JobWaiting:
		return "waiting"
	case JobRunning:
		return "running"
	case JobFinishing:
		return "finishing"
	case JobFinished:
		return "finished"
	default:
		return "scheduled"
	}
}

// JobStatus is one job entry in a heartbeat request (spec.md §6).
type JobStatus struct {
	JobID         string                 `json:"job_id"`
	OperationID   string                 `json:"operation_id"`
	State         JobState               `json:"state"`
	Result        string                 `json:"result,omitempty"`
	Statistics    map[string]string      `json:"statistics,omitempty"`
	ResourceUsage resources.JobResources `json:"resource_usage"`
	TimeStatistics map[string]time.Duration `json:"time_statistics,omitempty"`
}

// NodeDescriptor identifies a node and its scheduling-relevant tags
// (spec.md §3's scheduling_tag_filter, §9's scheduling segments).
type NodeDescriptor struct {
	Address           string   `json:"address"`
	Tags               []string `json:"tags"`
	SchedulingSegment string   `json:"scheduling_segment,omitempty"`
}

// HeartbeatRequest is the node heartbeat RPC request (spec.md §6).
type HeartbeatRequest struct {
	NodeID         string                 `json:"node_id"`
	NodeDescriptor NodeDescriptor         `json:"node_descriptor"`
	ResourceLimits resources.JobResources `json:"resource_limits"`
	ResourceUsage  resources.JobResources `json:"resource_usage"`
	DiskResources  map[string]int64       `json:"disk_resources,omitempty"`

	Jobs              []JobStatus `json:"jobs"`
	UnconfirmedJobs   []string    `json:"unconfirmed_jobs,omitempty"`
	ConfirmedJobCount int         `json:"confirmed_job_count"`

	JobReporterWriteFailuresCount int  `json:"job_reporter_write_failures_count,omitempty"`
	JobReporterQueueIsTooLarge    bool `json:"job_reporter_queue_is_too_large,omitempty"`
}

// ControllerAgentDescriptor identifies which controller agent a started or
// confirmed job belongs to (spec.md §6).
type ControllerAgentDescriptor struct {
	Address string `json:"address"`
}

// JobToStart describes a job the node should launch (spec.md §6).
type JobToStart struct {
	JobID                     string                    `json:"job_id"`
	OperationID               string                    `json:"operation_id"`
	ResourceLimits            resources.JobResources    `json:"resource_limits"`
	ControllerAgentDescriptor ControllerAgentDescriptor `json:"controller_agent_descriptor"`
}

// JobToAbort describes a job the node should abort (spec.md §6, §4.2
// preemption phase "preemption_reason").
type JobToAbort struct {
	JobID            string `json:"job_id"`
	AbortReason      string `json:"abort_reason,omitempty"`
	PreemptionReason string `json:"preemption_reason,omitempty"`
}

// JobToRemove describes a finished job the node may release (spec.md §6).
type JobToRemove struct {
	JobID        string `json:"job_id"`
	ReleaseFlags string `json:"release_flags,omitempty"`
}

// JobToInterrupt describes an interruptible job being preempted gracefully
// (spec.md §4.2: "if job.interruptible and job_interrupt_timeout > 0,
// schedule an interrupt with a deadline").
type JobToInterrupt struct {
	JobID            string        `json:"job_id"`
	Timeout          time.Duration `json:"timeout"`
	PreemptionReason string        `json:"preemption_reason,omitempty"`
}

// JobToConfirm asks the node to re-confirm a job whose controller
// assignment the shard lost track of across a restart.
type JobToConfirm struct {
	JobID                     string                    `json:"job_id"`
	ControllerAgentDescriptor ControllerAgentDescriptor `json:"controller_agent_descriptor"`
}

// HeartbeatResponse is the node heartbeat RPC response (spec.md §6).
type HeartbeatResponse struct {
	JobsToStart     []JobToStart     `json:"jobs_to_start,omitempty"`
	JobsToAbort     []JobToAbort     `json:"jobs_to_abort,omitempty"`
	JobsToRemove    []JobToRemove    `json:"jobs_to_remove,omitempty"`
	JobsToInterrupt []JobToInterrupt `json:"jobs_to_interrupt,omitempty"`
	JobsToConfirm   []JobToConfirm   `json:"jobs_to_confirm,omitempty"`
	JobsToStore     []string         `json:"jobs_to_store,omitempty"`
	JobsToFail      []string         `json:"jobs_to_fail,omitempty"`

	SchedulingSkipped bool `json:"scheduling_skipped"`
}
