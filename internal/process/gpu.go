package process

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// freeVRAMGB shells out to nvidia-smi for the free memory on the given
// GPU indices, the same exec.LookPath-then-shell-out pattern the Docker
// executor uses for the container runtime. Returns ok=false whenever
// nvidia-smi isn't available or fails, so the caller can skip the
// free-memory check entirely rather than block a launch on tooling that
// may simply not be installed on this host.
func freeVRAMGB(ctx context.Context, gpuIndices []int) (gb float64, ok bool) {
	if len(gpuIndices) == 0 {
		return 0, false
	}
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		log.Debug().Msg("nvidia-smi not found, skipping free VRAM check")
		return 0, false
	}

	ids := make([]string, len(gpuIndices))
	for i, idx := range gpuIndices {
		ids[i] = strconv.Itoa(idx)
	}

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free", "--format=csv,noheader,nounits",
		"-i", strings.Join(ids, ","))
	out, err := cmd.Output()
	if err != nil {
		log.Warn().Err(err).Msg("nvidia-smi query failed, skipping free VRAM check")
		return 0, false
	}

	var totalMiB float64
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mib, err := strconv.ParseFloat(line, 64)
		if err != nil {
			log.Warn().Str("line", line).Msg("could not parse nvidia-smi memory.free output, skipping free VRAM check")
			return 0, false
		}
		totalMiB += mib
	}
	return totalMiB / 1024.0, true
}

// validateGPUPlan checks the requested tensor parallel degree against the
// number of GPUs selected for this launch, and — when nvidia-smi is
// available — compares the VRAM estimate against actual free memory on
// those GPUs. It returns an error for a launch that cannot possibly work
// and a warning string for one that is merely cutting it close.
func validateGPUPlan(ctx context.Context, tensorParallel int, selectedGPUs []int, estimatedGB float64) (warning string, err error) {
	if tensorParallel < 1 {
		tensorParallel = 1
	}
	if len(selectedGPUs) > 0 && tensorParallel > len(selectedGPUs) {
		return "", fmt.Errorf("tensor_parallel=%d exceeds the %d selected GPU(s)", tensorParallel, len(selectedGPUs))
	}

	free, ok := freeVRAMGB(ctx, selectedGPUs)
	if !ok {
		return "", nil
	}

	if estimatedGB > free {
		return "", fmt.Errorf("insufficient VRAM: estimated %.2f GB required, %.2f GB free on selected GPUs", estimatedGB, free)
	}
	if estimatedGB > free*0.9 {
		return fmt.Sprintf("estimated VRAM usage (%.2f GB) is within 10%% of free capacity (%.2f GB)", estimatedGB, free), nil
	}
	return "", nil
}
