package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/seantiz/lockstep/internal/split"
	"github.com/seantiz/lockstep/internal/task"
)

// ErrInvalidDistribution is returned for a distribution that cannot be used.
var ErrInvalidDistribution = errors.New("invalid distribution")

// PartialFailure decides what a phase does when some partitions fail.
type PartialFailure string

const (
	// Strict aborts the phase with nothing folded.
	Strict PartialFailure = "strict"
	// Lenient also aborts, but keeps the successful partition results on
	// the returned error for inspection.
	Lenient PartialFailure = "lenient"
)

// RetryTarget selects where a faulted partition is re-dispatched.
type RetryTarget string

const (
	// RetryRespawn replaces the dead slot and retries there.
	RetryRespawn RetryTarget = "respawn"
	// RetryIdle retries on whichever slot is idle first, respawning only
	// when none is.
	RetryIdle RetryTarget = "idle"
)

const (
	defaultRetryBudget      = 2
	defaultPartitionTimeout = 30 * time.Second
)

// Distribution is the per-engine policy for splitting phases and handling
// faults.
type Distribution struct {
	PartialFailure   PartialFailure
	RetryBudget      int
	RetryTarget      RetryTarget
	PartitionTimeout time.Duration

	// RespawnDead replaces dead slots before each phase.
	RespawnDead bool

	// Phases overrides the split policy per task kind. Kinds not listed use
	// task.DefaultPolicy.
	Phases map[task.Kind]split.Policy
}

// DefaultDistribution returns the distribution used when no file is given.
func DefaultDistribution() Distribution {
	return Distribution{
		PartialFailure:   Strict,
		RetryBudget:      defaultRetryBudget,
		RetryTarget:      RetryRespawn,
		PartitionTimeout: defaultPartitionTimeout,
		RespawnDead:      true,
	}
}

// Policy returns the split policy for kind.
func (d Distribution) Policy(kind task.Kind) split.Policy {
	if p, ok := d.Phases[kind]; ok {
		return p
	}
	return task.DefaultPolicy(kind)
}

// Validate reports whether d can be used.
func (d Distribution) Validate() error {
	switch d.PartialFailure {
	case Strict, Lenient:
	default:
		return fmt.Errorf("%w: unknown partial_failure %q", ErrInvalidDistribution, d.PartialFailure)
	}
	switch d.RetryTarget {
	case RetryRespawn, RetryIdle:
	default:
		return fmt.Errorf("%w: unknown retry target %q", ErrInvalidDistribution, d.RetryTarget)
	}
	if d.RetryBudget < 0 {
		return fmt.Errorf("%w: retry budget %d is negative", ErrInvalidDistribution, d.RetryBudget)
	}
	if d.PartitionTimeout < 0 {
		return fmt.Errorf("%w: timeout %s is negative", ErrInvalidDistribution, d.PartitionTimeout)
	}
	for kind, p := range d.Phases {
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown phase kind %d", ErrInvalidDistribution, kind)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("phase %s: %w", kind, err)
		}
	}
	return nil
}

// distributionFile is the HCL schema of a distribution file.
type distributionFile struct {
	PartialFailure *string      `hcl:"partial_failure,optional"`
	RespawnDead    *bool        `hcl:"respawn_dead,optional"`
	Retry          *retryBlock  `hcl:"retry,block"`
	Phases         []phaseBlock `hcl:"phase,block"`
}

type retryBlock struct {
	Budget  *int    `hcl:"budget,optional"`
	Target  *string `hcl:"target,optional"`
	Timeout *string `hcl:"timeout,optional"`
}

type phaseBlock struct {
	Kind            string  `hcl:"kind,label"`
	Splittable      *bool   `hcl:"splittable,optional"`
	Granularity     *string `hcl:"granularity,optional"`
	BatchCount      *int    `hcl:"batch_count,optional"`
	GroupBoundaries []int   `hcl:"group_boundaries,optional"`
	Merge           *string `hcl:"merge,optional"`
}

// LoadDistribution parses the HCL distribution file at path.
func LoadDistribution(path string) (Distribution, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Distribution{}, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decodeDistribution(f, path, evalContext(true))
}

// ParseDistribution parses an in-memory HCL distribution. filename is used
// only in diagnostics.
func ParseDistribution(src []byte, filename string) (Distribution, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Distribution{}, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decodeDistribution(f, filename, evalContext(true))
}

// ParseRequestDistribution parses a distribution supplied by an API client.
// Only cpu_count is in scope; the process environment is not.
func ParseRequestDistribution(src []byte) (Distribution, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, "request.hcl")
	if diags.HasErrors() {
		return Distribution{}, fmt.Errorf("failed to parse HCL file request.hcl: %w", diags)
	}
	return decodeDistribution(f, "request.hcl", evalContext(false))
}

func decodeDistribution(f *hcl.File, filename string, ectx *hcl.EvalContext) (Distribution, error) {
	var raw distributionFile
	if diags := gohcl.DecodeBody(f.Body, ectx, &raw); diags.HasErrors() {
		return Distribution{}, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}

	d := DefaultDistribution()
	if raw.PartialFailure != nil {
		d.PartialFailure = PartialFailure(*raw.PartialFailure)
	}
	if raw.RespawnDead != nil {
		d.RespawnDead = *raw.RespawnDead
	}
	if r := raw.Retry; r != nil {
		if r.Budget != nil {
			d.RetryBudget = *r.Budget
		}
		if r.Target != nil {
			d.RetryTarget = RetryTarget(*r.Target)
		}
		if r.Timeout != nil {
			timeout, err := time.ParseDuration(*r.Timeout)
			if err != nil {
				return Distribution{}, fmt.Errorf("%s: retry timeout: %w", filename, err)
			}
			d.PartitionTimeout = timeout
		}
	}

	for _, pb := range raw.Phases {
		kind, err := task.ParseKind(pb.Kind)
		if err != nil {
			return Distribution{}, fmt.Errorf("%s: %w", filename, err)
		}
		if _, dup := d.Phases[kind]; dup {
			return Distribution{}, fmt.Errorf("%s: %w: phase %q declared twice", filename, ErrInvalidDistribution, pb.Kind)
		}
		if d.Phases == nil {
			d.Phases = make(map[task.Kind]split.Policy)
		}
		d.Phases[kind] = pb.policy(task.DefaultPolicy(kind))
	}

	if err := d.Validate(); err != nil {
		return Distribution{}, fmt.Errorf("%s: %w", filename, err)
	}
	return d, nil
}

// policy overlays the attributes set in the block onto base.
func (pb phaseBlock) policy(base split.Policy) split.Policy {
	p := base
	if pb.Splittable != nil {
		p.Splittable = *pb.Splittable
	}
	if pb.Granularity != nil {
		p.Granularity = split.Granularity(*pb.Granularity)
	}
	if pb.BatchCount != nil {
		p.BatchCount = *pb.BatchCount
	}
	if pb.GroupBoundaries != nil {
		p.GroupBoundaries = pb.GroupBoundaries
	}
	if pb.Merge != nil {
		p.Merge = split.MergeMode(*pb.Merge)
	}
	return p
}

// evalContext exposes cpu_count to distribution expressions, and env too
// when withEnv is set.
func evalContext(withEnv bool) *hcl.EvalContext {
	vars := map[string]cty.Value{
		"cpu_count": cty.NumberIntVal(int64(runtime.NumCPU())),
	}
	if !withEnv {
		return &hcl.EvalContext{Variables: vars}
	}

	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	vars["env"] = cty.EmptyObjectVal
	if len(env) > 0 {
		vars["env"] = cty.ObjectVal(env)
	}
	return &hcl.EvalContext{Variables: vars}
}
