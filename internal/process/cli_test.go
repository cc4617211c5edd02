package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/pkg/models"
)

func TestSynthesizeArgs_Generation(t *testing.T) {
	args := SynthesizeArgs(models.EngineGeneration, CLIParams{
		ServedModelName: "llama-3-8b",
		ArtifactPath:    "meta-llama/Meta-Llama-3-8B",
		ContextLength:   8192,
		TensorParallel:  2,
		ExtraArgs:       map[string]string{"--dtype": "bfloat16"},
	})

	assert.Equal(t, []string{
		"--model", "meta-llama/Meta-Llama-3-8B",
		"--served-model-name", "llama-3-8b",
		"--max-model-len", "8192",
		"--tensor-parallel-size", "2",
		"--port", "8000",
		"--dtype", "bfloat16",
	}, args)
}

func TestSynthesizeArgs_GGUF(t *testing.T) {
	args := SynthesizeArgs(models.EngineGGUF, CLIParams{
		ServedModelName: "mistral-7b-q4",
		ArtifactPath:    "/models/mistral-7b-q4.gguf",
		ContextLength:   4096,
	})

	assert.Equal(t, []string{
		"--model", "/models/mistral-7b-q4.gguf",
		"--alias", "mistral-7b-q4",
		"--ctx-size", "4096",
		"--port", "8000",
	}, args)
}

func TestSynthesizeArgs_ExtraArgsSortedDeterministically(t *testing.T) {
	args := SynthesizeArgs(models.EngineGGUF, CLIParams{
		ExtraArgs: map[string]string{
			"--threads":    "8",
			"--n-gpu-layers": "99",
			"--batch-size": "512",
		},
	})

	// only extra flags matter here; confirm they land in sorted order
	var flags []string
	for i := 6; i < len(args); i += 2 {
		flags = append(flags, args[i])
	}
	assert.Equal(t, []string{"--batch-size", "--n-gpu-layers", "--threads"}, flags)
}

func TestValidateExtraArgs_RejectsForbiddenFlag(t *testing.T) {
	_, err := ValidateExtraArgs(models.EngineGeneration, map[string]string{"--port": "9999"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved for lifecycle management")
}

func TestValidateExtraArgs_WarnsOnTypo(t *testing.T) {
	warnings, err := ValidateExtraArgs(models.EngineGeneration, map[string]string{"--tensor-paralel-size": "2"})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "--tensor-parallel-size")
}

func TestValidateExtraArgs_KnownFlagNoWarning(t *testing.T) {
	warnings, err := ValidateExtraArgs(models.EngineGeneration, map[string]string{"--gpu-memory-utilization": "0.9"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidateExtraArgs_UnrelatedFlagNoWarning(t *testing.T) {
	// far enough from every known flag that no typo suggestion fires
	warnings, err := ValidateExtraArgs(models.EngineGeneration, map[string]string{"--xyz123": "1"})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("abc", "abc"))
	assert.Equal(t, 1, levenshtein("abc", "abd"))
	assert.Equal(t, 3, levenshtein("", "abc"))
}
