// Package config implements the scheduler's YAML configuration surface
// (§6): the on-disk knobs for the dispatcher's queue widths and CPU slot
// count, the cache lookup loop's augmentation and pinning behavior, the
// resource governor's thresholds, and the observed-input scope's failure
// policy. It mirrors the teacher's configuration packages: a YAML-tagged
// struct loaded with encoding.LoadAndUnmarshalYAML, plus a Configuration
// method per section that converts to the runtime type the matching
// package actually consumes.
package config

import (
	"time"

	"github.com/pipforge/pipforge/pkg/cache"
	"github.com/pipforge/pipforge/pkg/dispatch"
	"github.com/pipforge/pipforge/pkg/driver"
	"github.com/pipforge/pipforge/pkg/encoding"
	"github.com/pipforge/pipforge/pkg/governor"
	"github.com/pipforge/pipforge/pkg/observedinput"
)

// Configuration is the root YAML configuration object.
type Configuration struct {
	// Dispatch configures the step dispatcher's queues and CPU slots.
	Dispatch DispatchConfiguration `yaml:"dispatch"`
	// Cache configures the two-phase cache lookup loop.
	Cache CacheConfiguration `yaml:"cache"`
	// Governor configures the resource governor's thresholds.
	Governor GovernorConfiguration `yaml:"governor"`
	// Driver configures the per-pip execution driver.
	Driver DriverConfiguration `yaml:"driver"`
	// Scope configures the observed-input allowlist failure policy.
	Scope ScopeConfiguration `yaml:"scope"`
}

// Load attempts to load a YAML-based configuration file from the specified
// path. A missing file is an error: Load returns nil and the underlying
// not-exist error unwrapped, so callers can test it with os.IsNotExist.
func Load(path string) (*Configuration, error) {
	result := &Configuration{}
	if err := encoding.LoadAndUnmarshalYAML(path, result); err != nil {
		return nil, err
	}
	return result, nil
}

// DispatchConfiguration is the YAML form of dispatch.Config.
type DispatchConfiguration struct {
	// CPUSlots is the total number of weighted CPU permits available to
	// the dispatcher's process queue (§9 "Weighted CPU slots").
	CPUSlots int64 `yaml:"cpuSlots"`
	// MaxParallelDegree overrides the default per-queue parallelism caps,
	// keyed by the queue names in dispatch.Kind.String.
	MaxParallelDegree map[string]int `yaml:"maxParallelDegree"`
}

// Configuration converts the YAML dispatch configuration into a
// dispatch.Config, starting from dispatch.DefaultConfig(CPUSlots) and
// applying any named overrides.
func (c DispatchConfiguration) Configuration() dispatch.Config {
	result := dispatch.DefaultConfig(c.CPUSlots)
	for name, n := range c.MaxParallelDegree {
		if kind, ok := dispatch.ParseKind(name); ok {
			result.MaxParallelDegree[kind] = n
		}
	}
	return result
}

// CacheConfiguration is the YAML form of cache.Config.
type CacheConfiguration struct {
	AugmentWeakFingerprintPathSetThreshold              int     `yaml:"augmentWeakFingerprintPathSetThreshold"`
	AugmentWeakFingerprintRequiredPathCommonalityFactor float64 `yaml:"augmentWeakFingerprintRequiredPathCommonalityFactor"`
	PinCachedOutputs                                    bool    `yaml:"pinCachedOutputs"`
	VerifyCacheLookupPin                                bool    `yaml:"verifyCacheLookupPin"`
	MaxPathSetsPerPip                                   int     `yaml:"maxPathSetsPerPip"`
	GlobalWarnThreshold                                 int     `yaml:"globalWarnThreshold"`
}

// Configuration converts the YAML cache configuration into a cache.Config,
// falling back to cache.DefaultConfig for any zero-valued threshold field
// (PinCachedOutputs and VerifyCacheLookupPin have no meaningful "unset"
// state, so they're taken as written).
func (c CacheConfiguration) Configuration() cache.Config {
	result := cache.DefaultConfig()
	if c.AugmentWeakFingerprintPathSetThreshold != 0 {
		result.AugmentWeakFingerprintPathSetThreshold = c.AugmentWeakFingerprintPathSetThreshold
	}
	if c.AugmentWeakFingerprintRequiredPathCommonalityFactor != 0 {
		result.AugmentWeakFingerprintRequiredPathCommonalityFactor = c.AugmentWeakFingerprintRequiredPathCommonalityFactor
	}
	if c.MaxPathSetsPerPip != 0 {
		result.MaxPathSetsPerPip = c.MaxPathSetsPerPip
	}
	if c.GlobalWarnThreshold != 0 {
		result.GlobalWarnThreshold = c.GlobalWarnThreshold
	}
	result.PinCachedOutputs = c.PinCachedOutputs
	result.VerifyCacheLookupPin = c.VerifyCacheLookupPin
	return result
}

// GovernorConfiguration is the YAML form of governor.Config. Durations and
// thresholds are expressed in seconds/percent as plain floats rather than
// Go duration strings, since yaml.v3 doesn't parse time.Duration from text
// without a custom scalar type, and these values are always small.
type GovernorConfiguration struct {
	TickIntervalSeconds                 float64 `yaml:"tickIntervalSeconds"`
	CriticalCommitUtilizationPercentage float64 `yaml:"criticalCommitUtilizationPercentage"`
	MaximumRamUtilizationPercentage     float64 `yaml:"maximumRamUtilizationPercentage"`
	MaximumCommitUtilizationPercentage  float64 `yaml:"maximumCommitUtilizationPercentage"`
	ThrashRAMPercent                    float64 `yaml:"thrashRamPercent"`
	ThrashModifiedPageSetPercent        float64 `yaml:"thrashModifiedPageSetPercent"`
	CPUPressurePercent                  float64 `yaml:"cpuPressurePercent"`
	ContextSwitchesPerCoreThreshold     float64 `yaml:"contextSwitchesPerCoreThreshold"`
	CommitFreeSlackPercent              float64 `yaml:"commitFreeSlackPercent"`
	CPUQueueAutoResumeIntervalSeconds   float64 `yaml:"cpuQueueAutoResumeIntervalSeconds"`
	// CancelSuspendedFirst selects governor.PolicyCancelSuspendedFirst as
	// the default low-RAM policy instead of governor.PolicyCancellationRam.
	CancelSuspendedFirst bool `yaml:"cancelSuspendedFirst"`
}

// Configuration converts the YAML governor configuration into a
// governor.Config, starting from governor.DefaultConfig and overriding any
// field the YAML document sets to a nonzero value.
func (c GovernorConfiguration) Configuration() governor.Config {
	result := governor.DefaultConfig()
	if c.TickIntervalSeconds != 0 {
		result.TickInterval = time.Duration(c.TickIntervalSeconds * float64(time.Second))
	}
	if c.CriticalCommitUtilizationPercentage != 0 {
		result.CriticalCommitUtilizationPercentage = c.CriticalCommitUtilizationPercentage
	}
	if c.MaximumRamUtilizationPercentage != 0 {
		result.MaximumRamUtilizationPercentage = c.MaximumRamUtilizationPercentage
	}
	if c.MaximumCommitUtilizationPercentage != 0 {
		result.MaximumCommitUtilizationPercentage = c.MaximumCommitUtilizationPercentage
	}
	if c.ThrashRAMPercent != 0 {
		result.ThrashRAMPercent = c.ThrashRAMPercent
	}
	if c.ThrashModifiedPageSetPercent != 0 {
		result.ThrashModifiedPageSetPercent = c.ThrashModifiedPageSetPercent
	}
	if c.CPUPressurePercent != 0 {
		result.CPUPressurePercent = c.CPUPressurePercent
	}
	if c.ContextSwitchesPerCoreThreshold != 0 {
		result.ContextSwitchesPerCoreThreshold = c.ContextSwitchesPerCoreThreshold
	}
	if c.CommitFreeSlackPercent != 0 {
		result.CommitFreeSlackPercent = c.CommitFreeSlackPercent
	}
	if c.CPUQueueAutoResumeIntervalSeconds != 0 {
		result.CPUQueueAutoResumeInterval = time.Duration(c.CPUQueueAutoResumeIntervalSeconds * float64(time.Second))
	}
	if c.CancelSuspendedFirst {
		result.DefaultLowRAMPolicy = governor.PolicyCancelSuspendedFirst
	}
	return result
}

// DriverConfiguration is the YAML form of driver.Config.
type DriverConfiguration struct {
	CacheOnly                        bool `yaml:"cacheOnly"`
	StopOnFirstError                 bool `yaml:"stopOnFirstError"`
	// SkipStoringOutputsToCache inverts driver.Config.StoreOutputsToCache,
	// since the runtime default is true and YAML zero values are false.
	SkipStoringOutputsToCache bool     `yaml:"skipStoringOutputsToCache"`
	ProcessRetries            int      `yaml:"processRetries"`
	MaxRetriesDueToLowMemory         int `yaml:"maxRetriesDueToLowMemory"`
	MaxRetriesDueToRetryableFailures int `yaml:"maxRetriesDueToRetryableFailures"`
	// DefaultExpectedMemory seeds driver.NewRunnablePip's initial memory
	// estimate for a pip with no prior observed peak (§4.7).
	DefaultExpectedMemory ByteSize `yaml:"defaultExpectedMemory"`
}

// Configuration converts the YAML driver configuration into a driver.Config.
func (c DriverConfiguration) Configuration() driver.Config {
	result := driver.DefaultConfig()
	result.CacheOnly = c.CacheOnly
	result.StopOnFirstError = c.StopOnFirstError
	result.StoreOutputsToCache = !c.SkipStoringOutputsToCache
	if c.ProcessRetries != 0 {
		result.ProcessRetries = c.ProcessRetries
	}
	if c.MaxRetriesDueToLowMemory != 0 {
		result.MaxRetriesDueToLowMemory = c.MaxRetriesDueToLowMemory
	}
	if c.MaxRetriesDueToRetryableFailures != 0 {
		result.MaxRetriesDueToRetryableFailures = c.MaxRetriesDueToRetryableFailures
	}
	return result
}

// defaultExpectedMemoryBytes is the fallback used when the YAML document
// doesn't set DefaultExpectedMemory (64MiB, matching the teacher's
// reasonable-default posture for an unobserved pip).
const defaultExpectedMemoryBytes = 64 << 20

// ExpectedMemoryBytes returns the configured default expected-memory
// estimate used to seed a RunnablePip with no prior observed peak (§4.7),
// falling back to defaultExpectedMemoryBytes when unset.
func (c DriverConfiguration) ExpectedMemoryBytes() int64 {
	if c.DefaultExpectedMemory == 0 {
		return defaultExpectedMemoryBytes
	}
	return int64(c.DefaultExpectedMemory)
}

// ScopeConfiguration is the YAML form of the allowlist/seal-directory parts
// of observedinput.Scope that make sense as static configuration (declared
// paths and seal roots are graph-derived and set by the caller, not loaded
// from this file).
type ScopeConfiguration struct {
	// SuppressUndeclaredAccesses selects observedinput.PolicySuppressAndIgnorePath
	// instead of the default observedinput.PolicyFail.
	SuppressUndeclaredAccesses bool                      `yaml:"suppressUndeclaredAccesses"`
	Allowlist                  []AllowlistRuleYAML `yaml:"allowlist"`
}

// AllowlistRuleYAML is the YAML form of observedinput.AllowlistRule.
type AllowlistRuleYAML struct {
	Pattern            string `yaml:"pattern"`
	SearchPath         bool   `yaml:"searchPath"`
	EnumerationPattern bool   `yaml:"enumerationPattern"`
}

// ApplyTo overlays the YAML scope configuration onto an existing
// observedinput.Scope (one already populated with DeclaredPaths and
// SealDirectoryRoots from the pip graph) and returns the result.
func (c ScopeConfiguration) ApplyTo(scope observedinput.Scope) observedinput.Scope {
	if c.SuppressUndeclaredAccesses {
		scope.FailurePolicy = observedinput.PolicySuppressAndIgnorePath
	}
	for _, rule := range c.Allowlist {
		scope.Allowlist = append(scope.Allowlist, observedinput.AllowlistRule{
			Pattern:            rule.Pattern,
			SearchPath:         rule.SearchPath,
			EnumerationPattern: rule.EnumerationPattern,
		})
	}
	return scope
}
