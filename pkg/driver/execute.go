package driver

import (
	"context"
	"sort"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/dispatch"
	"github.com/pipforge/pipforge/pkg/governor"
	"github.com/pipforge/pipforge/pkg/observedinput"
	"github.com/pipforge/pipforge/pkg/pip"
)

// cpuWeightHint derives the dispatcher's weight hint from a pip's expected
// memory use; the dispatcher itself clamps this to [1,10] (§9).
func cpuWeightHint(r *RunnablePip) int {
	const bytesPerWeightStep = 256 << 20 // 256MiB per weight step
	if r.ExpectedMemoryBytes <= 0 {
		return 1
	}
	return int(r.ExpectedMemoryBytes/bytesPerWeightStep) + 1
}

// executeAndPublish runs ChooseWorkerCpu -> MaterializeInputs ->
// ExecuteProcess -> PostProcess, retrying inline per §5/§7 as needed, and
// finishes the pip once an attempt succeeds or exhausts its retries.
func (d *Driver) executeAndPublish(ctx context.Context, r *RunnablePip, weak cache.WeakFingerprint) error {
	for {
		r.Attempts++

		if d.isTerminating() {
			return d.finish(ctx, r, pip.StateCanceled, pip.ResultCanceled)
		}

		attemptCtx := d.trackRunning(ctx, r.Pip.ID, r.ExpectedMemoryBytes)

		if err := d.runStep(attemptCtx, r, dispatch.StepChooseWorkerCpu, cpuWeightHint(r), func(context.Context) error { return nil }); err != nil {
			return d.finishAfterCancellation(ctx, r, err)
		}

		if err := d.runStep(attemptCtx, r, dispatch.StepMaterializeInputs, 0, func(ctx context.Context) error {
			return d.FileContent.MaterializeInputs(ctx, r.Pip)
		}); err != nil {
			return d.finishAfterCancellation(ctx, r, err)
		}

		var sandboxResult *contracts.SandboxedProcessResult
		err := d.runStep(attemptCtx, r, dispatch.StepExecuteProcess, cpuWeightHint(r), func(ctx context.Context) error {
			var execErr error
			sandboxResult, execErr = d.Sandbox.Run(ctx, r.Pip, nil)
			return execErr
		})
		if err != nil {
			if retry := d.handleResourceCancellation(r, err); retry {
				continue
			}
			return d.finishAfterCancellation(ctx, r, err)
		}

		if sandboxResult.PeakMemoryBytes > r.ObservedPeakMemoryBytes {
			r.ObservedPeakMemoryBytes = sandboxResult.PeakMemoryBytes
		}
		r.attemptObservations = append(r.attemptObservations, observationsFromSandboxResult(d, sandboxResult))

		if sandboxResult.RetryInfo != nil && r.InfraRetries < maxInlineInfraRetries {
			r.InfraRetries++
			d.Logger.Debugf("pip %d retrying after inconclusive sandbox result: %s", r.Pip.ID, sandboxResult.RetryInfo.Reason)
			d.untrackRunning(r.Pip.ID)
			continue
		}

		if sandboxResult.ExitCode != 0 && !sandboxResult.TimedOut {
			if r.ExitCodeRetries < d.Config.ProcessRetries {
				r.ExitCodeRetries++
				d.Logger.Debugf("pip %d retrying after exit code %d (%d/%d)", r.Pip.ID, sandboxResult.ExitCode, r.ExitCodeRetries, d.Config.ProcessRetries)
				d.untrackRunning(r.Pip.ID)
				continue
			}
			d.untrackRunning(r.Pip.ID)
			return d.finish(ctx, r, pip.StateFailed, pip.ResultFailed)
		}

		outcome, ppErr := d.postProcess(attemptCtx, r, weak, sandboxResult)
		d.untrackRunning(r.Pip.ID)
		if ppErr != nil {
			if isRetryableInfraFailure(ppErr) && r.InfraRetries < d.Config.MaxRetriesDueToRetryableFailures {
				r.InfraRetries++
				continue
			}
			return d.finish(ctx, r, pip.StateFailed, pip.ResultFailed)
		}
		return d.finish(ctx, r, pip.StateDone, outcome)
	}
}

// isRetryableInfraFailure is a placeholder seam matching §7's
// RetryableInfraFailure category for publish-layer failures (CAS store
// errors, metadata store transport errors); PostProcess does not currently
// distinguish these from ordinary failures, so this always returns false.
func isRetryableInfraFailure(error) bool { return false }

// finishAfterCancellation finishes r as Canceled if err is context.Canceled
// (scheduler terminating, or a governor cancellation with no retries
// left), or Failed otherwise.
func (d *Driver) finishAfterCancellation(ctx context.Context, r *RunnablePip, err error) error {
	d.untrackRunning(r.Pip.ID)
	if err == context.Canceled {
		return d.finish(ctx, r, pip.StateCanceled, pip.ResultCanceled)
	}
	return d.finish(ctx, r, pip.StateFailed, pip.ResultFailed)
}

// handleResourceCancellation reports whether err was a governor-driven
// cancellation of r's current attempt and, if so and retries remain, bumps
// r's expected memory per §4.7 and returns true so the caller retries.
func (d *Driver) handleResourceCancellation(r *RunnablePip, err error) bool {
	if err != context.Canceled {
		return false
	}
	reason := d.cancelReasonFor(r.Pip.ID)
	d.untrackRunning(r.Pip.ID)
	if reason != reasonResourceExhaustion {
		return false
	}
	if r.ResourceRetries >= d.Config.MaxRetriesDueToLowMemory {
		return false
	}
	r.ResourceRetries++
	r.ExpectedMemoryBytes = governor.NextExpectedMemory(r.ExpectedMemoryBytes, r.ObservedPeakMemoryBytes)
	d.Logger.Debugf("pip %d canceled for resource pressure, retrying with expected memory %d bytes (%d/%d)", r.Pip.ID, r.ExpectedMemoryBytes, r.ResourceRetries, d.Config.MaxRetriesDueToLowMemory)
	return true
}

// observationsFromSandboxResult converts one attempt's reported+observed
// file accesses into observedinput.Observation values for later merging
// and violation analysis (§4.3, §7). Pure-write accesses are excluded:
// declared and opaque outputs are validated by the graph's seal-directory
// and output declarations, not by the dependency allowlist that
// observedinput.Processor enforces for reads, probes, and enumerations.
func observationsFromSandboxResult(d *Driver, result *contracts.SandboxedProcessResult) []observedinput.Observation {
	all := append(append([]contracts.ReportedAccess(nil), result.ReportedFileAccesses...), result.ObservedFileAccesses...)
	observations := make([]observedinput.Observation, 0, len(all))
	for _, access := range all {
		if !access.Read && !access.Probe && !access.Enumeration {
			continue
		}
		observations = append(observations, observedinput.Observation{
			Path:        d.Paths.Lookup(access.Path),
			Read:        access.Read,
			Probe:       access.Probe,
			Enumeration: access.Enumeration,
			Exists:      access.Read || access.HasHash,
			Hash:        access.ContentHash,
			HasHash:     access.HasHash,
		})
	}
	return observations
}

// trackRunning registers r's attempt for governor.ResourceManager bookkeeping
// and returns a context that the governor can cancel independently of ctx.
func (d *Driver) trackRunning(ctx context.Context, id pip.ID, memory int64) context.Context {
	attemptCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.running[id] = &runningEntry{cancel: cancel, memory: memory}
	d.mu.Unlock()
	return attemptCtx
}

func (d *Driver) untrackRunning(id pip.ID) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

func (d *Driver) cancelReasonFor(id pip.ID) cancelReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.running[id]; ok {
		return e.reason
	}
	return reasonNone
}

// State reports the governor.State inputs this driver can answer: whether
// any process pip is currently executing and whether any is suspended.
func (d *Driver) State() governor.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s governor.State
	for _, e := range d.running {
		if e.suspended {
			s.HasSuspendedPips = true
		} else {
			s.HasActiveProcessPips = true
		}
	}
	return s
}

// CancelForCommit implements governor.ResourceManager decision 1: cancel
// running pips, largest memory first, until freeBytes have been freed.
func (d *Driver) CancelForCommit(ctx context.Context, freeBytes int64) error {
	d.cancelForPressure(freeBytes, false)
	return nil
}

// ReduceForLowRAM implements governor.ResourceManager decision 2. The
// Sandbox contract (§6) has no suspend primitive, so both policies cancel;
// PolicyCancelSuspendedFirst only changes cancellation order, which is
// moot while no entry is ever marked suspended.
func (d *Driver) ReduceForLowRAM(ctx context.Context, policy governor.Policy) error {
	d.cancelForPressure(1<<62, policy == governor.PolicyCancelSuspendedFirst)
	return nil
}

// ResumeSuspended implements governor.ResourceManager decision 5. No entry
// is ever suspended (see ReduceForLowRAM), so there is nothing to resume.
func (d *Driver) ResumeSuspended(ctx context.Context) error {
	return nil
}

// CancelOneSuspended implements governor.ResourceManager decision 6.
func (d *Driver) CancelOneSuspended(ctx context.Context) error {
	d.mu.Lock()
	var victim *runningEntry
	for _, e := range d.running {
		if e.suspended && e.reason == reasonNone {
			victim = e
			break
		}
	}
	if victim != nil {
		victim.reason = reasonResourceExhaustion
	}
	d.mu.Unlock()
	if victim != nil {
		victim.cancel()
	}
	return nil
}

type runningPair struct {
	id    pip.ID
	entry *runningEntry
}

// cancelForPressure cancels running attempts, largest memory first (or
// suspended-first when preferSuspended), until at least targetFreeBytes of
// expected memory has been marked for release.
func (d *Driver) cancelForPressure(targetFreeBytes int64, preferSuspended bool) {
	d.mu.Lock()
	pairs := make([]runningPair, 0, len(d.running))
	for id, e := range d.running {
		if e.reason != reasonNone {
			continue
		}
		pairs = append(pairs, runningPair{id, e})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if preferSuspended && pairs[i].entry.suspended != pairs[j].entry.suspended {
			return pairs[i].entry.suspended
		}
		return pairs[i].entry.memory > pairs[j].entry.memory
	})

	var freed int64
	var toCancel []*runningEntry
	for _, p := range pairs {
		if freed >= targetFreeBytes {
			break
		}
		p.entry.reason = reasonResourceExhaustion
		toCancel = append(toCancel, p.entry)
		freed += p.entry.memory
	}
	d.mu.Unlock()

	for _, e := range toCancel {
		e.cancel()
	}
}
