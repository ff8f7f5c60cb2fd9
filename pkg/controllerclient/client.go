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

// Package controllerclient implements the full operation-controller contract
// (spec.md §6 "Controller interface (consumed)"), retry-wrapped the way an
// RPC boundary that can transiently fail needs to be. pkg/tree.Controller and
// pkg/scheduler.JobStarter are narrower interfaces that Client satisfies, so
// the scheduling core stays free of retry/RPC concerns.
package controllerclient

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/ytscheduler/fairshare/pkg/logging"
	"github.com/ytscheduler/fairshare/pkg/packing"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
)

// FailReason classifies why schedule_job failed (spec.md §6).
type FailReason int

const (
	FailNone FailReason = iota
	FailTimeout
	FailResourceOvercommit
	FailNoPendingJobs
	FailTentativeTreeDeclined
	FailBadPacking
)

// ScheduleResult is schedule_job's RPC response (spec.md §6).
type ScheduleResult struct {
	JobID           string
	ResourceUsage   resources.JobResources
	Duration        time.Duration
	IncarnationID   string
	ControllerEpoch int64
	FailReason      FailReason
}

// JobSummary is the payload handed to on_job_completed/on_job_failed.
type JobSummary struct {
	JobID         string
	OperationID   string
	ResourceUsage resources.JobResources
	Result        string
}

// RPC is the raw, unwrapped transport the generated/hand-written stub for
// an operation controller satisfies; Client adds retry and packing on top.
type RPC interface {
	ScheduleJob(ctx context.Context, available resources.JobResources, deadline time.Time, treeID string) (ScheduleResult, error)
	AbortJob(ctx context.Context, jobID, reason string) error
	OnJobStarted(ctx context.Context, job JobSummary) error
	OnJobCompleted(ctx context.Context, summary JobSummary) error
	OnJobFailed(ctx context.Context, summary JobSummary) error
	OnNonScheduledJobAborted(ctx context.Context, jobID, reason, treeID string, epoch int64) error
	GetNeededResources(ctx context.Context) (resources.JobResources, error)
	GetPendingJobCount(ctx context.Context) (int, error)
}

// Config tunes the retry policy wrapping every RPC call.
type Config struct {
	Attempts uint
	Delay    time.Duration
}

// DefaultConfig mirrors the original's backoff for transient controller RPC
// failures. Only calls that return an error are retried; a schedule_job
// result carrying a fail reason (timeout, resource_overcommit, ...) is
// neither retried nor backed off.
func DefaultConfig() Config {
	return Config{Attempts: 3, Delay: 50 * time.Millisecond}
}

// Client wraps one operation's RPC stub with retry, a packing advisor, and
// the narrower adapters pkg/tree and pkg/scheduler consume.
type Client struct {
	cfg         Config
	operationID string
	treeID      string
	rpc         RPC
	packing     *packing.Advisor
}

// New returns a retry-wrapped client for one operation's controller.
func New(cfg Config, operationID, treeID string, rpc RPC, advisor *packing.Advisor) *Client {
	return &Client{cfg: cfg, operationID: operationID, treeID: treeID, rpc: rpc, packing: advisor}
}

func (c *Client) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.Delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}

// NeededResources satisfies pkg/tree.Controller.
func (c *Client) NeededResources() resources.JobResources {
	ctx := context.Background()
	var out resources.JobResources
	err := retry.Do(func() error {
		r, err := c.rpc.GetNeededResources(ctx)
		out = r
		return err
	}, c.retryOpts(ctx)...)
	if err != nil {
		logging.FromContext(ctx).Warnw("get_needed_resources failed", "operation", c.operationID, "error", err)
		return resources.Zero()
	}
	return out
}

// PendingJobCount satisfies pkg/tree.Controller.
func (c *Client) PendingJobCount() int {
	ctx := context.Background()
	var out int
	err := retry.Do(func() error {
		n, err := c.rpc.GetPendingJobCount(ctx)
		out = n
		return err
	}, c.retryOpts(ctx)...)
	if err != nil {
		logging.FromContext(ctx).Warnw("get_pending_job_count failed", "operation", c.operationID, "error", err)
		return 0
	}
	return out
}

// TryScheduleJob satisfies pkg/scheduler.JobStarter: consults the packing
// advisor unless ignorePacking is set (stage F), then calls schedule_job
// with retry, translating a non-Started outcome into the plain bool the
// scheduling core expects.
func (c *Client) TryScheduleJob(available resources.JobResources, ignorePacking bool) (scheduler.JobStart, bool) {
	ctx := context.Background()
	needed := c.NeededResources()

	if !ignorePacking && c.packing != nil && !c.packing.IsGoodPacking(c.operationID, available, needed) {
		return scheduler.JobStart{}, false
	}

	var result ScheduleResult
	err := retry.Do(func() error {
		r, err := c.rpc.ScheduleJob(ctx, available, time.Time{}, c.treeID)
		result = r
		return err
	}, c.retryOpts(ctx)...)
	if err != nil || result.FailReason != FailNone {
		logging.FromContext(ctx).Debugw("schedule_job declined", "operation", c.operationID, "reason", result.FailReason, "error", err)
		return scheduler.JobStart{}, false
	}

	if c.packing != nil {
		freeAfter := resources.Subtract(available, result.ResourceUsage)
		c.packing.RecordLanding(c.operationID, freeAfter)
	}

	return scheduler.JobStart{
		JobID:         result.JobID,
		OperationID:   c.operationID,
		ResourceUsage: result.ResourceUsage,
	}, true
}

// AbortJob issues abort_job with retry.
func (c *Client) AbortJob(ctx context.Context, jobID, reason string) error {
	return retry.Do(func() error {
		return c.rpc.AbortJob(ctx, jobID, reason)
	}, c.retryOpts(ctx)...)
}

// OnJobStarted notifies the controller a job began running.
func (c *Client) OnJobStarted(ctx context.Context, job JobSummary) error {
	return retry.Do(func() error {
		return c.rpc.OnJobStarted(ctx, job)
	}, c.retryOpts(ctx)...)
}

// OnJobCompleted notifies the controller of a successful finish.
func (c *Client) OnJobCompleted(ctx context.Context, summary JobSummary) error {
	return retry.Do(func() error {
		return c.rpc.OnJobCompleted(ctx, summary)
	}, c.retryOpts(ctx)...)
}

// OnJobFailed notifies the controller of a failure.
func (c *Client) OnJobFailed(ctx context.Context, summary JobSummary) error {
	return retry.Do(func() error {
		return c.rpc.OnJobFailed(ctx, summary)
	}, c.retryOpts(ctx)...)
}

// OnNonScheduledJobAborted notifies the controller a revived-but-unconfirmed
// job was aborted without ever being scheduled (spec.md §5 "job_revival_abort_timeout").
func (c *Client) OnNonScheduledJobAborted(ctx context.Context, jobID, reason string, epoch int64) error {
	return retry.Do(func() error {
		return c.rpc.OnNonScheduledJobAborted(ctx, jobID, reason, c.treeID, epoch)
	}, c.retryOpts(ctx)...)
}
