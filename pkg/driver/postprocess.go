package driver

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pkg/errors"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/contracts"
	"github.com/pipforge/pipforge/pkg/dispatch"
	"github.com/pipforge/pipforge/pkg/fsview"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/observedinput"
	"github.com/pipforge/pipforge/pkg/pip"
)

// maxParallelCASPushes bounds the fan-out of pushOutputsToCAS; it is
// independent of the dispatcher's Materialize queue, since CAS pushes
// happen inline within an already-admitted PostProcess step.
const maxParallelCASPushes = 8

// postProcess implements §4.5's four-part PostProcess logic and returns the
// terminal pip.Result to finish r with.
func (d *Driver) postProcess(ctx context.Context, r *RunnablePip, weak cache.WeakFingerprint, sandboxResult *contracts.SandboxedProcessResult) (pip.Result, error) {
	var result pip.Result
	err := d.runStep(ctx, r, dispatch.StepPostProcess, 0, func(ctx context.Context) error {
		var stepErr error
		result, stepErr = d.postProcessLocked(ctx, r, weak, sandboxResult)
		return stepErr
	})
	return result, err
}

func (d *Driver) postProcessLocked(ctx context.Context, r *RunnablePip, weak cache.WeakFingerprint, sandboxResult *contracts.SandboxedProcessResult) (pip.Result, error) {
	// Part 1: flag shared-opaque outputs. This happens unconditionally,
	// even ahead of the violation analysis below, so a subsequent failure
	// still leaves the next build's scrubber able to find these paths.
	d.flagSharedOpaqueOutputs(sandboxResult)

	// Part 2: violation analysis. Each attempt is classified against the
	// scope independently (an access either falls inside the declared
	// scope or it doesn't, regardless of which attempt saw it), and the
	// resulting per-attempt evidence is merged keeping the strongest
	// classification per path (§7 "merging retry evidence").
	processor := observedinput.NewProcessor(d.Scope)
	var perAttempt [][]observedinput.ObservedInput
	for _, attempt := range r.attemptObservations {
		outcome, attemptInputs, err := processor.Process(attempt, d.hashObservedRead)
		if outcome != observedinput.OutcomeSuccess {
			return pip.ResultFailed, err
		}
		perAttempt = append(perAttempt, attemptInputs)
	}
	inputs := observedinput.MergeAttempts(perAttempt...)

	if !r.Pip.Uncacheable && d.Config.StoreOutputsToCache {
		result, err := d.publish(ctx, r, weak, inputs, sandboxResult)
		if err != nil {
			return pip.ResultFailed, err
		}
		return result, nil
	}

	return pip.ResultExecuted, nil
}

func (d *Driver) hashObservedRead(path string) (identity.ContentHash, error) {
	id := d.Paths.Intern(path)
	info, err := d.FileContent.HashSourceFile(context.Background(), id)
	if err != nil {
		return identity.ContentHash{}, err
	}
	return info.Hash, nil
}

// flagSharedOpaqueOutputs records every file the sandbox reported as a
// shared-dynamic write so the scrubber can find them on a later build even
// if this pip ultimately fails (§4.5 step 1, §9 "shared opaque sideband").
func (d *Driver) flagSharedOpaqueOutputs(sandboxResult *contracts.SandboxedProcessResult) {
	if d.FS == nil {
		return
	}
	for _, id := range sandboxResult.SharedDynamicWrites {
		d.FS.SetFlags(id, fsview.FlagSharedOpaqueOutput)
	}
}

// publish implements §4.5 steps 3-4: hash and push outputs to the CAS,
// synthesize and store metadata, and publish the two-phase cache entry,
// handling a losing race against a concurrent convergent execution.
func (d *Driver) publish(ctx context.Context, r *RunnablePip, weak cache.WeakFingerprint, inputs []observedinput.ObservedInput, sandboxResult *contracts.SandboxedProcessResult) (pip.Result, error) {
	pathSet := buildPathSet(inputs)
	pathSet.Canonicalize()

	pathSetHash, err := d.Store.StorePathSet(ctx, &pathSet)
	if err != nil {
		return pip.ResultFailed, errors.Wrap(err, "storing path set")
	}

	strong := cache.ComputeStrongFingerprint(weak, pathSetHash, inputs)

	staticOutputs, err := d.pushOutputsToCAS(ctx, sandboxResult)
	if err != nil {
		return pip.ResultFailed, errors.Wrap(err, "pushing output content to CAS")
	}

	dynamicOutputs, err := d.pushDynamicOutputsToCAS(ctx, r.Pip)
	if err != nil {
		return pip.ResultFailed, errors.Wrap(err, "pushing opaque directory content to CAS")
	}

	metadata := &cache.Metadata{
		SemistableHash:     uint64(r.Pip.SemistableHash),
		WeakFingerprint:    weak,
		StrongFingerprint:  strong,
		StaticOutputs:      staticOutputs,
		DynamicOutputs:     dynamicOutputs,
		CreatedDirectories: createdDirectoryPaths(d, sandboxResult),
		TotalOutputSize:    totalOutputSize(staticOutputs) + totalDynamicOutputSize(dynamicOutputs),
	}

	metadataHash, err := d.Store.StoreMetadata(ctx, metadata)
	if err != nil {
		return pip.ResultFailed, errors.Wrap(err, "storing metadata")
	}

	entry := cache.CacheEntry{
		MetadataHash:            metadataHash,
		ReferencedContentHashes: append(referencedHashes(staticOutputs), referencedDynamicHashes(dynamicOutputs)...),
	}

	publishResult, err := d.Store.TryPublishCacheEntry(ctx, weak, pathSetHash, strong, entry)
	if err != nil {
		return pip.ResultFailed, errors.Wrap(err, "publishing cache entry")
	}

	if publishResult.Outcome == contracts.Published {
		return pip.ResultExecuted, nil
	}

	// Part 4: convergence. Another execution of the same pip published
	// first; fetch its entry, replay its outputs locally, and scrub what
	// this execution just produced under shared-opaque directories.
	return d.convergeFromConflict(ctx, r, publishResult, sandboxResult)
}

func (d *Driver) convergeFromConflict(ctx context.Context, r *RunnablePip, publishResult contracts.PublishResult, sandboxResult *contracts.SandboxedProcessResult) (pip.Result, error) {
	if publishResult.Conflict == nil {
		return pip.ResultFailed, errors.New("conflicting publish reported with no winning entry")
	}

	metadata, err := d.Store.TryRetrieveMetadata(ctx, publishResult.Conflict.MetadataHash)
	if err != nil {
		return pip.ResultFailed, errors.Wrap(err, "retrieving winning metadata")
	}

	if err := d.materializeFromCache(ctx, r.Pip, cache.Result{Metadata: metadata}); err != nil {
		return pip.ResultFailed, errors.Wrap(err, "replaying winning outputs")
	}

	d.scrubSharedOpaqueOutputs(sandboxResult)

	return pip.ResultDeployedFromCache, nil
}

// scrubSharedOpaqueOutputs removes the shared-opaque files this losing
// execution produced, leaving no file flagged shared-opaque that is absent
// from the winning result (§8 invariant, S6).
func (d *Driver) scrubSharedOpaqueOutputs(sandboxResult *contracts.SandboxedProcessResult) {
	for _, id := range sandboxResult.SharedDynamicWrites {
		relPath := d.Paths.Lookup(id)
		_ = d.CAS.Remove(context.Background(), relPath)
	}
}

func buildPathSet(inputs []observedinput.ObservedInput) observedinput.PathSet {
	set := observedinput.PathSet{}
	for _, in := range inputs {
		flags := observedinput.EntryFlag(0)
		switch in.Type {
		case observedinput.TypeExistingFileProbe, observedinput.TypeAbsentPathProbe:
			flags |= observedinput.FlagFileProbe
		case observedinput.TypeExistingDirectoryProbe:
			flags |= observedinput.FlagDirectoryLocation
		case observedinput.TypeDirectoryEnumeration:
			flags |= observedinput.FlagEnumeration
		}
		set.Entries = append(set.Entries, observedinput.PathSetEntry{Path: in.Path, Flags: flags})
	}
	return set
}

func totalOutputSize(outputs map[string]identity.FileMaterializationInfo) int64 {
	var total int64
	for _, info := range outputs {
		if !info.IsAbsent() {
			total += info.Length
		}
	}
	return total
}

func referencedHashes(outputs map[string]identity.FileMaterializationInfo) []identity.ContentHash {
	hashes := make([]identity.ContentHash, 0, len(outputs))
	for _, info := range outputs {
		if !info.IsAbsent() {
			hashes = append(hashes, info.Hash)
		}
	}
	return hashes
}

func totalDynamicOutputSize(outputs cache.DynamicOutputs) int64 {
	var total int64
	for _, members := range outputs {
		total += totalOutputSize(members)
	}
	return total
}

func referencedDynamicHashes(outputs cache.DynamicOutputs) []identity.ContentHash {
	var hashes []identity.ContentHash
	for _, members := range outputs {
		hashes = append(hashes, referencedHashes(members)...)
	}
	return hashes
}

// createdDirectoryPaths resolves the sandbox's reported created-directory
// IDs to the relative-path strings cache.Metadata.CreatedDirectories stores
// (§3 Data Model, §4.2 RecordDirectoryCreatedByPip replay).
func createdDirectoryPaths(d *Driver, sandboxResult *contracts.SandboxedProcessResult) []string {
	if len(sandboxResult.CreatedDirectories) == 0 {
		return nil
	}
	paths := make([]string, 0, len(sandboxResult.CreatedDirectories))
	for _, id := range sandboxResult.CreatedDirectories {
		paths = append(paths, d.Paths.Lookup(id))
	}
	return paths
}

// pushDynamicOutputsToCAS implements §4.5 step 3's other half: for every
// opaque or shared-opaque directory the pip declared, enumerate what the
// sandboxed execution actually wrote there (the directory's contents are
// not known statically, unlike Outputs) and hash/push each discovered file
// to the CAS, keyed by opaque-idx so a cache hit can replay it later
// (driver.materializeFromCache).
func (d *Driver) pushDynamicOutputsToCAS(ctx context.Context, p *pip.Pip) (cache.DynamicOutputs, error) {
	if len(p.OpaqueOutputs) == 0 {
		return nil, nil
	}

	outputs := make(cache.DynamicOutputs, len(p.OpaqueOutputs))
	for idx, dir := range p.OpaqueOutputs {
		members, err := d.FileContent.EnumerateAndTrackOutputDirectory(ctx, dir)
		if err != nil {
			return nil, errors.Wrapf(err, "enumerating opaque directory %s", d.Paths.Lookup(dir))
		}
		if len(members) == 0 {
			continue
		}

		perDir, err := d.pushOpaqueMembersToCAS(ctx, dir, members)
		if err != nil {
			return nil, err
		}
		outputs[idx] = perDir
	}
	return outputs, nil
}

func (d *Driver) pushOpaqueMembersToCAS(ctx context.Context, dir identity.PathID, members []identity.PathID) (map[string]identity.FileMaterializationInfo, error) {
	dirPath := d.Paths.Lookup(dir)

	results := make(map[string]identity.FileMaterializationInfo, len(members))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelCASPushes)

	for _, member := range members {
		member := member
		group.Go(func() error {
			memberPath := d.Paths.Lookup(member)
			relPath, err := filepath.Rel(dirPath, memberPath)
			if err != nil {
				return errors.Wrapf(err, "relativizing opaque member %s under %s", memberPath, dirPath)
			}

			info, err := d.FileContent.HashSourceFile(groupCtx, member)
			if err != nil {
				return errors.Wrapf(err, "hashing opaque member %s", memberPath)
			}
			if info.IsAbsent() {
				return nil
			}
			info.OpaqueDirectoryRoot = dir
			info.HasOpaqueDirectoryRoot = true
			info.CaseSensitiveRelativeSubdir = relPath

			hash, err := d.CAS.Store(groupCtx, relPath, info.Hash)
			if err != nil {
				return errors.Wrapf(err, "pushing opaque member %s", memberPath)
			}
			info.Hash = hash

			mu.Lock()
			results[relPath] = info
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// pushJob is one file awaiting a CAS push.
type pushJob struct {
	relPath string
	access  contracts.ReportedAccess
}

// pushOutputsToCAS hashes and pushes every declared write to the CAS in
// parallel, grouped by final filename so files sharing a name (likely
// near-duplicates across parallel actions) are spaced apart rather than
// pushed back-to-back, which otherwise concentrates CAS contention on a
// single hash bucket (§4.5 step 3).
func (d *Driver) pushOutputsToCAS(ctx context.Context, sandboxResult *contracts.SandboxedProcessResult) (map[string]identity.FileMaterializationInfo, error) {
	var jobs []pushJob
	for _, access := range sandboxResult.ReportedFileAccesses {
		if !access.Write {
			continue
		}
		jobs = append(jobs, pushJob{relPath: d.Paths.Lookup(access.Path), access: access})
	}

	ordered := interleaveByFilename(jobs)

	results := make(map[string]identity.FileMaterializationInfo, len(ordered))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelCASPushes)

	for _, job := range ordered {
		job := job
		group.Go(func() error {
			info, err := d.pushOneOutput(groupCtx, job)
			if err != nil {
				return errors.Wrapf(err, "pushing %s", job.relPath)
			}
			mu.Lock()
			results[job.relPath] = info
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Driver) pushOneOutput(ctx context.Context, job pushJob) (identity.FileMaterializationInfo, error) {
	hash, err := d.CAS.Store(ctx, job.relPath, job.access.ContentHash)
	if err != nil {
		return identity.FileMaterializationInfo{}, err
	}
	return identity.FileMaterializationInfo{
		Hash:         hash,
		Length:       job.access.Length,
		FileName:     filepath.Base(job.relPath),
		IsExecutable: job.access.IsExecutable,
		Reparse:      job.access.Reparse,
	}, nil
}

// interleaveByFilename groups jobs by filepath.Base(relPath), then
// round-robins across groups in sorted name order, taking one job per group
// per round. Jobs sharing a final name are separated only while other
// groups still have jobs; once one group remains, its jobs are adjacent.
func interleaveByFilename(jobs []pushJob) []pushJob {
	groups := make(map[string][]pushJob)
	var names []string
	for _, j := range jobs {
		name := filepath.Base(j.relPath)
		if _, ok := groups[name]; !ok {
			names = append(names, name)
		}
		groups[name] = append(groups[name], j)
	}
	sort.Strings(names)

	ordered := make([]pushJob, 0, len(jobs))
	for {
		progressed := false
		for _, name := range names {
			if len(groups[name]) == 0 {
				continue
			}
			ordered = append(ordered, groups[name][0])
			groups[name] = groups[name][1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return ordered
}
