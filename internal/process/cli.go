package process

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ariaforge/inferd/pkg/models"
)

// CLIParams is the fixed set of launch parameters SynthesizeArgs walks in
// a stable order to build the engine's command-line arguments.
type CLIParams struct {
	ServedModelName string
	ArtifactPath    string
	ContextLength   int
	TensorParallel  int
	ExtraArgs       map[string]string
}

// SynthesizeArgs builds the container's CLI arguments by walking CLIParams
// fields in a fixed order, the same technique the teacher's
// buildEnvironment (internal/process/manager.go) uses to emit environment
// variables from a struct — applied here to command-line flags instead,
// since the two engine families take configuration as flags, not env vars.
// No reflection: the field order is written out explicitly so the
// resulting command line is deterministic and easy to diff in logs.
func SynthesizeArgs(engine models.EngineType, p CLIParams) []string {
	var args []string

	switch engine {
	case models.EngineGGUF:
		args = append(args, "--model", p.ArtifactPath)
		args = append(args, "--alias", p.ServedModelName)
		if p.ContextLength > 0 {
			args = append(args, "--ctx-size", strconv.Itoa(p.ContextLength))
		}
		if p.TensorParallel > 1 {
			args = append(args, "--parallel", strconv.Itoa(p.TensorParallel))
		}
		args = append(args, "--port", strconv.Itoa(containerInternalPort))
	default: // models.EngineGeneration
		args = append(args, "--model", p.ArtifactPath)
		args = append(args, "--served-model-name", p.ServedModelName)
		if p.ContextLength > 0 {
			args = append(args, "--max-model-len", strconv.Itoa(p.ContextLength))
		}
		if p.TensorParallel > 1 {
			args = append(args, "--tensor-parallel-size", strconv.Itoa(p.TensorParallel))
		}
		args = append(args, "--port", strconv.Itoa(containerInternalPort))
	}

	for _, flag := range sortedKeys(p.ExtraArgs) {
		args = append(args, flag, p.ExtraArgs[flag])
	}

	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// forbiddenFlags are launch flags a caller must never be able to inject
// through extra_args, because they would let a tenant hijack the engine's
// port, identity, or host-level access.
var forbiddenFlags = map[models.EngineType][]string{
	models.EngineGeneration: {"--port", "--served-model-name", "--model", "--host"},
	models.EngineGGUF:       {"--port", "--alias", "--model", "--host"},
}

// knownFlags back the typo detector: a caller passing "--tensor-paralel-size"
// instead of "--tensor-parallel-size" gets a helpful suggestion rather
// than a silent no-op flag the engine ignores.
var knownFlags = map[models.EngineType][]string{
	models.EngineGeneration: {
		"--tensor-parallel-size", "--max-model-len", "--gpu-memory-utilization",
		"--dtype", "--quantization", "--max-num-seqs", "--trust-remote-code",
		"--enforce-eager", "--swap-space",
	},
	models.EngineGGUF: {
		"--ctx-size", "--parallel", "--n-gpu-layers", "--threads",
		"--batch-size", "--rope-scaling", "--flash-attn", "--mlock",
	},
}

// ValidateExtraArgs rejects forbidden flags outright and returns
// warnings (not errors) for flags that don't match any known flag for
// the engine type but are close enough to one to likely be a typo.
func ValidateExtraArgs(engine models.EngineType, extra map[string]string) ([]string, error) {
	var warnings []string

	forbidden := forbiddenFlags[engine]
	known := knownFlags[engine]

	for flag := range extra {
		for _, f := range forbidden {
			if flag == f {
				return nil, fmt.Errorf("extra_args may not set %s: reserved for lifecycle management", flag)
			}
		}
		if containsString(known, flag) {
			continue
		}
		if suggestion, ok := closestMatch(flag, known, 2); ok {
			warnings = append(warnings, fmt.Sprintf("unrecognized flag %q, did you mean %q?", flag, suggestion))
		}
	}

	return warnings, nil
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

// closestMatch returns the candidate within maxDistance Levenshtein edits
// of target, if any exists.
func closestMatch(target string, candidates []string, maxDistance int) (string, bool) {
	best := ""
	bestDist := maxDistance + 1
	for _, c := range candidates {
		d := levenshtein(target, c)
		if d < bestDist {
			bestDist = d
			best = c
		}
	}
	if bestDist <= maxDistance {
		return best, true
	}
	return "", false
}

// levenshtein computes edit distance with a two-row dynamic program.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
